package clitest

import (
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
)

// Command is an immutable description of a process to run and of what its
// run is expected to look like. Every method returns an adjusted copy; the
// receiver is never modified, so a Command can be shared and run repeatedly.
//
// Methods that would produce an illegal configuration panic with a
// *ConfigError.
type Command struct {
	executable string
	args       []string
	env        map[string]string
	envKeys    []string
	dir        string
	stdin      *stdinSource

	stdout     streamSpec
	stderr     streamSpec
	stderrMode stderrMode
	exitCodes  exitCodes

	fs     afero.Fs
	logger *log.Logger
}

type stderrMode int

const (
	stderrUnset stderrMode = iota
	stderrExpected
	stderrMerged
)

// New returns a Command running executable with args in the current
// directory. By default stdout is drained and ignored, any stderr output is
// a failure and the exit code must be 0.
func New(executable string, args ...string) Command {
	dir, _ := os.Getwd()
	return Command{
		executable: executable,
		args:       append([]string(nil), args...),
		dir:        dir,
	}
}

func (c Command) clone() Command {
	c.args = append([]string(nil), c.args...)
	c.env = maps.Clone(c.env)
	c.envKeys = append([]string(nil), c.envKeys...)
	c.exitCodes = append(exitCodes(nil), c.exitCodes...)
	c.stdout = c.stdout.clone()
	c.stderr = c.stderr.clone()
	return c
}

// Executable returns the program to run.
func (c Command) Executable() string { return c.executable }

// WithExecutable returns a copy running a different program.
func (c Command) WithExecutable(executable string) Command {
	c = c.clone()
	c.executable = executable
	return c
}

// Arg appends arguments.
func (c Command) Arg(args ...string) Command {
	c = c.clone()
	c.args = append(c.args, args...)
	return c
}

// Args returns a copy of the argument list.
func (c Command) Args() []string {
	return append([]string(nil), c.args...)
}

// Env sets environment variables from alternating names and values. Later
// values win. An odd number of arguments panics.
func (c Command) Env(nameValues ...string) Command {
	if len(nameValues)%2 != 0 {
		configPanic("env: expected alternating names and values, got %d arguments", len(nameValues))
	}
	c = c.clone()
	for i := 0; i < len(nameValues); i += 2 {
		c.setenv(nameValues[i], nameValues[i+1])
	}
	return c
}

// EnvMap sets every variable in vars.
func (c Command) EnvMap(vars map[string]string) Command {
	c = c.clone()
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		c.setenv(k, vars[k])
	}
	return c
}

func (c *Command) setenv(name, value string) {
	if name == "" || strings.ContainsRune(name, '=') {
		configPanic("env: invalid variable name %q", name)
	}
	if c.env == nil {
		c.env = make(map[string]string)
	}
	if _, ok := c.env[name]; !ok {
		c.envKeys = append(c.envKeys, name)
	}
	c.env[name] = value
}

// environ merges the overrides over the inherited environment.
func (c Command) environ() []string {
	env := os.Environ()
	for _, k := range c.envKeys {
		entry := k + "=" + c.env[k]
		replaced := false
		for i, kv := range env {
			if ek, _, ok := strings.Cut(kv, "="); ok && ek == k {
				env[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			env = append(env, entry)
		}
	}
	return env
}

// Dir sets the working directory.
func (c Command) Dir(dir string) Command {
	c = c.clone()
	c.dir = dir
	return c
}

// Stdin feeds s, UTF-8 encoded, to the process. Only one stdin source may be
// configured.
func (c Command) Stdin(s string) Command {
	return c.withStdin(stringSource(s))
}

// StdinFile streams the named file to the process byte for byte.
func (c Command) StdinFile(path string) Command {
	return c.withStdin(fileSource(path))
}

// StdinFunc runs fn on its own goroutine with the process's stdin. Stdin is
// closed when fn returns. If the process is killed while fn is writing,
// writes fail with an error matching ErrCancelled.
func (c Command) StdinFunc(fn func(w io.Writer) error) Command {
	return c.withStdin(funcSource(fn))
}

func (c Command) withStdin(src *stdinSource) Command {
	if c.stdin != nil {
		configPanic("stdin already set to %s", c.stdin.desc)
	}
	c = c.clone()
	c.stdin = src
	return c
}

// ExitCodeIsAnyOf accepts any of the given exit codes instead of 0.
func (c Command) ExitCodeIsAnyOf(codes ...int) Command {
	if len(codes) == 0 {
		configPanic("exit code: at least one accepted code is required")
	}
	c = c.clone()
	c.exitCodes = append(exitCodes(nil), codes...)
	return c
}

// WithFs sets the filesystem used to open stdin files and redirect files.
func (c Command) WithFs(fs afero.Fs) Command {
	c = c.clone()
	c.fs = fs
	return c
}

// WithLogger sets the logger used for lifecycle events.
func (c Command) WithLogger(logger *log.Logger) Command {
	c = c.clone()
	c.logger = logger
	return c
}

// Run starts the command and waits for it without a deadline.
func (c Command) Run() *Result {
	p, err := c.Start()
	if err != nil {
		return failedResult(c.String(), err)
	}
	return p.Wait()
}

// RunTimeout starts the command and waits at most d. The process is left
// running if the wait expires; it is killed when the test binary is
// interrupted, or by KillAll.
func (c Command) RunTimeout(d time.Duration) *Result {
	p, err := c.Start()
	if err != nil {
		return failedResult(c.String(), err)
	}
	return p.WaitTimeout(d)
}

// Test runs the command, kills it during t's cleanup if it is still alive,
// and fails t unless the run succeeded.
func (c Command) Test(t TestingT) *Result {
	t.Helper()
	p, err := c.Start()
	if err != nil {
		t.Fatalf("clitest: start %s: %v", c, err)
		return nil
	}
	t.Cleanup(func() { p.Close() })
	res := p.Wait()
	res.AssertSuccess(t)
	return res
}

// String returns the command line as shown in failure reports.
func (c Command) String() string {
	parts := make([]string, 0, len(c.args)+1)
	parts = append(parts, quoteArg(c.executable))
	for _, a := range c.args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"'\\$`") {
		return strconv.Quote(s)
	}
	return s
}

func (c Command) filesystem() afero.Fs {
	if c.fs != nil {
		return c.fs
	}
	return afero.NewOsFs()
}

func (c Command) log() *log.Logger {
	if c.logger != nil {
		return c.logger
	}
	return defaultLogger()
}

func (c Command) validate() error {
	if c.executable == "" {
		return &ConfigError{Msg: "no executable set"}
	}
	if c.stderrMode == stderrMerged && (len(c.stderr.assertions) > 0 || c.stderr.bytes != nil) {
		return &ConfigError{Msg: "stderr expectations set while stderr is redirected to stdout"}
	}
	return nil
}

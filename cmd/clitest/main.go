package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gfanton/clitest"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

type rootConfig struct {
	logLevel string
	stdout   io.Writer
	stderr   io.Writer
}

// runConfig holds the expectations of a single command run.
type runConfig struct {
	*rootConfig

	lines          []string
	noLines        []string
	contains       []string
	noContains     []string
	match          []string
	noMatch        []string
	lineCount      int
	exitCodes      []string
	timeout        time.Duration
	expectTimeout  bool
	stderrToStdout bool
	ignoreStderr   bool
	stdin          string
	stdinFile      string
	stdoutFile     string
	encoding       string
	env            []string
	dir            string
}

func (cfg *runConfig) registerFlags(fs *ff.FlagSet) {
	fs.StringListVar(&cfg.lines, 'l', "line", "expect stdout to have this exact line (repeatable)")
	fs.StringListVar(&cfg.noLines, 0, "no-line", "expect stdout not to have this exact line (repeatable)")
	fs.StringListVar(&cfg.contains, 'c', "contains", "expect some stdout line to contain this text (repeatable)")
	fs.StringListVar(&cfg.noContains, 0, "no-contains", "expect no stdout line to contain this text (repeatable)")
	fs.StringListVar(&cfg.match, 'm', "match", "expect some stdout line to match this regexp (repeatable)")
	fs.StringListVar(&cfg.noMatch, 0, "no-match", "expect no stdout line to match this regexp (repeatable)")
	fs.IntVar(&cfg.lineCount, 0, "line-count", -1, "expect exactly this many stdout lines")
	fs.StringListVar(&cfg.exitCodes, 'x', "exit-code", "accepted exit code (repeatable, default 0)")
	fs.DurationVar(&cfg.timeout, 't', "timeout", 0, "maximum time to wait for the command")
	fs.BoolVar(&cfg.expectTimeout, 0, "expect-timeout", "expect the command to still be running at --timeout")
	fs.BoolVar(&cfg.stderrToStdout, 0, "stderr-to-stdout", "merge stderr into stdout")
	fs.BoolVar(&cfg.ignoreStderr, 0, "ignore-stderr", "allow output on stderr")
	fs.StringVar(&cfg.stdin, 0, "stdin", "", "text to write to the command's stdin")
	fs.StringVar(&cfg.stdinFile, 0, "stdin-file", "", "file to stream to the command's stdin")
	fs.StringVar(&cfg.stdoutFile, 'o', "stdout-file", "", "copy raw stdout to this file")
	fs.StringVar(&cfg.encoding, 0, "encoding", "", "encoding of the command's output (default utf-8)")
	fs.StringListVar(&cfg.env, 'e', "env", "KEY=VALUE environment override (repeatable)")
	fs.StringVar(&cfg.dir, 'd', "dir", "", "working directory of the command")
}

// scenarioConfig holds the options of a scenario run.
type scenarioConfig struct {
	*rootConfig

	verbose            bool
	short              bool
	testWork           bool
	workdirRoot        string
	continueOnError    bool
	requireUniqueNames bool
	timeout            time.Duration
	encoding           string
}

func (cfg *scenarioConfig) registerFlags(fs *ff.FlagSet) {
	fs.BoolVar(&cfg.verbose, 'v', "verbose", "enable verbose output")
	fs.BoolVar(&cfg.short, 's', "short", "run scenarios in short mode")
	fs.BoolVar(&cfg.testWork, 0, "test-work", "preserve work directories after scenarios")
	fs.StringVar(&cfg.workdirRoot, 'w', "workdir-root", "", "root directory for work directories")
	fs.BoolVar(&cfg.continueOnError, 'c', "continue-on-error", "continue running scenarios after a failure")
	fs.BoolVar(&cfg.requireUniqueNames, 'u', "require-unique-names", "require unique scenario names")
	fs.DurationVar(&cfg.timeout, 't', "timeout", 0, "default wait for scenarios without a timeout")
	fs.StringVar(&cfg.encoding, 0, "encoding", "", "default output encoding for scenarios")
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Scenario conditions such as "short" read the testing flags.
	testing.Init()
	flag.CommandLine.Parse(nil)

	cmd := NewCommand(os.Stdout, os.Stderr)
	err := cmd.ParseAndRun(ctx, os.Args[1:], ff.WithEnvVarPrefix("CLITEST"))
	switch {
	case err == nil:
	case errors.Is(err, ff.ErrHelp):
		fmt.Fprint(os.Stderr, ffhelp.Command(cmd.GetSelected()))
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// NewCommand creates the root ff.Command for the clitest CLI.
func NewCommand(stdout, stderr io.Writer) *ff.Command {
	root := &rootConfig{stdout: stdout, stderr: stderr}
	rootFlags := ff.NewFlagSet("clitest")
	rootFlags.StringVar(&root.logLevel, 0, "log-level", "warn", "log level: debug, info, warn or error")

	runCfg := &runConfig{rootConfig: root}
	runFlags := ff.NewFlagSet("run").SetParent(rootFlags)
	runCfg.registerFlags(runFlags)

	scCfg := &scenarioConfig{rootConfig: root}
	scFlags := ff.NewFlagSet("scenario").SetParent(rootFlags)
	scCfg.registerFlags(scFlags)

	runCmd := &ff.Command{
		Name:      "run",
		Usage:     "clitest run [FLAGS] -- EXECUTABLE [ARGS...]",
		ShortHelp: "run one command and check its output",
		Flags:     runFlags,
		Exec: func(ctx context.Context, args []string) error {
			return execRun(ctx, runCfg, args)
		},
	}
	scenarioCmd := &ff.Command{
		Name:      "scenario",
		Usage:     "clitest scenario [FLAGS] PATH...",
		ShortHelp: "run .txtar scenarios from directories or files",
		Flags:     scFlags,
		Exec: func(ctx context.Context, args []string) error {
			return execScenarios(ctx, scCfg, args)
		},
	}

	return &ff.Command{
		Name:        "clitest",
		Usage:       "clitest [FLAGS] SUBCOMMAND ...",
		Flags:       rootFlags,
		Subcommands: []*ff.Command{runCmd, scenarioCmd},
		Exec: func(context.Context, []string) error {
			return ff.ErrHelp
		},
	}
}

func (cfg *rootConfig) logger() (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	return log.NewWithOptions(cfg.stderr, log.Options{
		Prefix:          "clitest",
		Level:           level,
		ReportTimestamp: level == log.DebugLevel,
	}), nil
}

func execRun(ctx context.Context, cfg *runConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("an executable is required")
	}
	logger, err := cfg.logger()
	if err != nil {
		return err
	}

	cmd, err := cfg.command(args)
	if err != nil {
		return err
	}
	cmd = cmd.WithLogger(logger)

	p, err := cmd.Start()
	if err != nil {
		return err
	}
	defer p.Close()

	waitCtx := ctx
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}
	res := p.WaitContext(waitCtx)

	fmt.Fprintf(cfg.stdout, "%s: exit %d after %v (stdout %d bytes, stderr %d bytes)\n",
		res.CommandLine, res.ExitCode, res.Duration.Round(time.Millisecond), res.StdoutBytes, res.StderrBytes)

	if cfg.expectTimeout {
		return res.Timeout()
	}
	return res.Success()
}

// command turns the flags into a Command. Illegal combinations surface as
// errors rather than panics.
func (cfg *runConfig) command(args []string) (cmd clitest.Command, err error) {
	defer func() {
		if r := recover(); r != nil {
			var cerr *clitest.ConfigError
			if e, ok := r.(error); ok && errors.As(e, &cerr) {
				err = cerr
				return
			}
			panic(r)
		}
	}()

	cmd = clitest.New(args[0], args[1:]...)
	if cfg.dir != "" {
		cmd = cmd.Dir(cfg.dir)
	}
	for _, kv := range cfg.env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return cmd, fmt.Errorf("invalid --env %q: expected KEY=VALUE", kv)
		}
		cmd = cmd.Env(k, v)
	}

	switch {
	case cfg.stdin != "" && cfg.stdinFile != "":
		return cmd, fmt.Errorf("--stdin and --stdin-file are mutually exclusive")
	case cfg.stdin != "":
		cmd = cmd.Stdin(cfg.stdin)
	case cfg.stdinFile != "":
		cmd = cmd.StdinFile(cfg.stdinFile)
	}

	if len(cfg.exitCodes) > 0 {
		codes := make([]int, len(cfg.exitCodes))
		for i, s := range cfg.exitCodes {
			codes[i], err = strconv.Atoi(s)
			if err != nil {
				return cmd, fmt.Errorf("invalid --exit-code %q: %w", s, err)
			}
		}
		cmd = cmd.ExitCodeIsAnyOf(codes...)
	}

	if cfg.encoding != "" {
		enc, err := clitest.EncodingByName(cfg.encoding)
		if err != nil {
			return cmd, err
		}
		cmd = cmd.StdoutEncoding(enc)
		if !cfg.stderrToStdout {
			cmd = cmd.StderrEncoding(enc)
		}
	}

	switch {
	case cfg.stderrToStdout && cfg.ignoreStderr:
		return cmd, fmt.Errorf("--stderr-to-stdout and --ignore-stderr are mutually exclusive")
	case cfg.stderrToStdout:
		cmd = cmd.StderrToStdout()
	case cfg.ignoreStderr:
		cmd = cmd.IgnoreStderr()
	}

	if cfg.stdoutFile != "" {
		cmd = cmd.RedirectStdoutToFile(cfg.stdoutFile)
	}

	var expect []clitest.LineAssertion
	if len(cfg.lines) > 0 {
		expect = append(expect, clitest.HasLines(cfg.lines...))
	}
	if len(cfg.noLines) > 0 {
		expect = append(expect, clitest.DoesNotHaveLines(cfg.noLines...))
	}
	if len(cfg.contains) > 0 {
		expect = append(expect, clitest.HasLinesContaining(cfg.contains...))
	}
	if len(cfg.noContains) > 0 {
		expect = append(expect, clitest.DoesNotHaveLinesContaining(cfg.noContains...))
	}
	if len(cfg.match) > 0 {
		expect = append(expect, clitest.HasLinesMatching(cfg.match...))
	}
	if len(cfg.noMatch) > 0 {
		expect = append(expect, clitest.DoesNotHaveLinesMatching(cfg.noMatch...))
	}
	if cfg.lineCount >= 0 {
		expect = append(expect, clitest.HasLineCount(cfg.lineCount))
	}
	if len(expect) > 0 {
		cmd = cmd.ExpectStdout(expect...)
	}
	return cmd, nil
}

func execScenarios(ctx context.Context, cfg *scenarioConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("at least one argument required")
	}
	logger, err := cfg.logger()
	if err != nil {
		return err
	}

	if cfg.short {
		flag.Set("test.short", "true")
	}

	params := clitest.Params{
		TestWork:           cfg.testWork,
		WorkdirRoot:        cfg.workdirRoot,
		ContinueOnError:    cfg.continueOnError,
		RequireUniqueNames: cfg.requireUniqueNames,
		Timeout:            cfg.timeout,
		Encoding:           cfg.encoding,
		Logger:             logger,
	}

	runner := &testResultCapture{out: cfg.stdout, verbose: cfg.verbose}
	defer runner.runCleanups()

	for _, target := range args {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := runTarget(runner, params, target); err != nil {
			return err
		}
		if runner.failed && !cfg.continueOnError {
			break
		}
	}

	if runner.failed {
		return fmt.Errorf("scenarios failed")
	}
	return nil
}

func runTarget(runner *testResultCapture, params clitest.Params, target string) error {
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("cannot access %s: %w", target, err)
	}
	absPath, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("cannot get absolute path for %s: %v", target, err)
	}

	// A failing scenario is reported through runner, not err.
	if !info.IsDir() {
		if !strings.HasSuffix(target, ".txtar") {
			return fmt.Errorf("file must have .txtar extension: %s", target)
		}
		params.Dir = filepath.Dir(absPath)
		err = clitest.RunScenarioFilesStandaloneWithProject(runner, params, absPath)
	} else {
		params.Dir = absPath
		err = clitest.RunScenariosStandaloneWithProject(runner, params)
	}
	if err != nil && !runner.failed {
		return err
	}
	return nil
}

// testResultCapture implements clitest.TestingT to capture scenario results.
type testResultCapture struct {
	out      io.Writer
	failed   bool
	verbose  bool
	cleanups []func()
}

func (t *testResultCapture) Skip(args ...any) {
	if t.verbose {
		fmt.Fprint(t.out, "SKIP: ")
		fmt.Fprintln(t.out, args...)
	}
}

func (t *testResultCapture) Fatal(args ...any) {
	t.failed = true
	fmt.Fprint(t.out, "FAIL: ")
	fmt.Fprintln(t.out, args...)
	// Unlike testing.T, execution continues; callers check Failed.
}

func (t *testResultCapture) Fatalf(format string, args ...any) {
	t.failed = true
	fmt.Fprint(t.out, "FAIL: ")
	fmt.Fprintf(t.out, format, args...)
	fmt.Fprintln(t.out)
}

func (t *testResultCapture) Log(args ...any) {
	if t.verbose {
		fmt.Fprintln(t.out, args...)
	}
}

func (t *testResultCapture) Logf(format string, args ...any) {
	if t.verbose {
		fmt.Fprintf(t.out, format, args...)
		fmt.Fprint(t.out, "\n")
	}
}

func (t *testResultCapture) Failed() bool {
	return t.failed
}

func (t *testResultCapture) Helper() {}

func (t *testResultCapture) Cleanup(f func()) {
	t.cleanups = append(t.cleanups, f)
}

func (t *testResultCapture) runCleanups() {
	for i := len(t.cleanups) - 1; i >= 0; i-- {
		t.cleanups[i]()
	}
}

package clitest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/tools/txtar"
)

// TestingT is the interface common to *testing.T and *testing.B.
type TestingT interface {
	Skip(args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Log(args ...any)
	Logf(format string, args ...any)
	Failed() bool
	Helper()
	Cleanup(func())
}

// DefaultScenarioTimeout bounds the wait for a scenario's process when
// neither the scenario nor Params sets a timeout.
const DefaultScenarioTimeout = 30 * time.Second

// Params holds parameters for a call to RunScenarios.
type Params struct {
	// Dir is the directory holding the scenarios.
	// All files in the directory with a .txtar extension are scenarios.
	Dir string

	// Setup is called, if non-nil, after the work directory and environment
	// are prepared and before the scenario's process starts.
	Setup func(*Env) error

	// Condition is called, if non-nil, to evaluate a scenario's conditions.
	// The condition is satisfied if Condition returns true.
	Condition func(cond string) (bool, error)

	// TestWork specifies that work directories should be retained for
	// inspection after the scenario completes.
	TestWork bool

	// WorkdirRoot specifies the directory within which work directories are
	// created. Setting WorkdirRoot implies TestWork=true.
	// If empty, the work directories will be created inside $TMPDIR.
	WorkdirRoot string

	// RequireUniqueNames, if true, requires that all scenario files
	// have unique base names (excluding extensions).
	RequireUniqueNames bool

	// ContinueOnError causes standalone runs to continue after a failed
	// scenario.
	ContinueOnError bool

	// Timeout is the default wait for scenarios without their own timeout.
	Timeout time.Duration

	// Encoding is the default stream encoding for scenarios without their own.
	Encoding string

	// TestSetup and TestTeardown are shell scripts run in each scenario's
	// work directory before and after the process.
	TestSetup    string
	TestTeardown string

	// Logger receives lifecycle events of every scenario's process.
	Logger *log.Logger
}

// An Env holds the environment variables to use for a scenario.
type Env struct {
	WorkDir string
	Values  []string
}

// Getenv retrieves the value of the environment variable named by the key.
func (e *Env) Getenv(key string) string {
	for _, kv := range e.Values {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

// Setenv sets the value of the environment variable named by the key.
func (e *Env) Setenv(key, value string) {
	entry := key + "=" + value
	for i, kv := range e.Values {
		if k, _, ok := strings.Cut(kv, "="); ok && k == key {
			e.Values[i] = entry
			return
		}
	}
	e.Values = append(e.Values, entry)
}

// Scenario is a parsed .txtar scenario: a TOML header in the archive comment
// and expectation files.
type Scenario struct {
	Name   string
	Header ScenarioHeader
	Files  []txtar.File
}

// ScenarioHeader is the TOML comment section of a scenario.
type ScenarioHeader struct {
	Exec           string            `toml:"exec"`
	Args           []string          `toml:"args"`
	Dir            string            `toml:"dir"`
	Env            map[string]string `toml:"env"`
	ExitCodes      []int             `toml:"exit-codes"`
	Timeout        Duration          `toml:"timeout"`
	StderrToStdout bool              `toml:"stderr-to-stdout"`
	ExpectTimeout  bool              `toml:"expect-timeout"`
	Encoding       string            `toml:"encoding"`
	Conditions     []string          `toml:"conditions"`
}

// ParseScenario parses a scenario archive.
func ParseScenario(name string, data []byte) (*Scenario, error) {
	ar := txtar.Parse(data)
	sc := &Scenario{Name: name, Files: ar.Files}

	dec := toml.NewDecoder(bytes.NewReader(ar.Comment))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sc.Header); err != nil {
		return nil, fmt.Errorf("%s: header: %w", name, err)
	}
	if sc.Header.Exec == "" {
		return nil, fmt.Errorf("%s: header: exec is required", name)
	}
	return sc, nil
}

// LoadScenario reads and parses the named scenario file.
func LoadScenario(filename string) (*Scenario, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseScenario(strings.TrimSuffix(filepath.Base(filename), ".txtar"), data)
}

// expectation files understood per stream; any other file is extracted into
// the work directory.
var streamFiles = map[string]bool{
	"":          true,
	".absent":   true,
	".contains": true,
	".match":    true,
	".count":    true,
	".ignore":   true,
}

func isExpectationFile(name string) bool {
	if name == "stdin" {
		return true
	}
	for _, s := range []string{"stdout", "stderr"} {
		if rest, ok := strings.CutPrefix(name, s); ok && streamFiles[rest] {
			return true
		}
	}
	return false
}

// Command builds the Command described by the scenario. Variables in exec,
// args, dir and env values are expanded against env.
func (sc *Scenario) Command(env *Env, defaultEncoding string) (cmd Command, err error) {
	defer func() {
		if r := recover(); r != nil {
			var cerr *ConfigError
			if e, ok := r.(error); ok && errors.As(e, &cerr) {
				err = fmt.Errorf("%s: %w", sc.Name, cerr)
				return
			}
			panic(r)
		}
	}()

	expand := func(s string) string {
		return os.Expand(s, env.Getenv)
	}
	h := sc.Header

	exe, err := lookPath(expand(h.Exec), env.Getenv("PATH"))
	if err != nil {
		return Command{}, fmt.Errorf("%s: %w", sc.Name, err)
	}
	args := make([]string, len(h.Args))
	for i, a := range h.Args {
		args[i] = expand(a)
	}

	dir := env.WorkDir
	if h.Dir != "" {
		dir = expand(h.Dir)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(env.WorkDir, dir)
		}
	}

	cmd = New(exe, args...).Dir(dir)
	for _, kv := range env.Values {
		if k, v, ok := strings.Cut(kv, "="); ok {
			cmd = cmd.Env(k, v)
		}
	}
	for k, v := range h.Env {
		cmd = cmd.Env(k, expand(v))
	}
	if len(h.ExitCodes) > 0 {
		cmd = cmd.ExitCodeIsAnyOf(h.ExitCodes...)
	}
	if h.StderrToStdout {
		cmd = cmd.StderrToStdout()
	}

	encName := h.Encoding
	if encName == "" {
		encName = defaultEncoding
	}
	if encName != "" {
		enc, err := EncodingByName(encName)
		if err != nil {
			return Command{}, fmt.Errorf("%s: %w", sc.Name, err)
		}
		cmd = cmd.StdoutEncoding(enc)
		if !h.StderrToStdout {
			cmd = cmd.StderrEncoding(enc)
		}
	}

	for _, f := range sc.Files {
		if !isExpectationFile(f.Name) {
			continue
		}
		if f.Name == "stdin" {
			cmd = cmd.Stdin(string(f.Data))
			continue
		}
		stream, kind, _ := strings.Cut(f.Name, ".")
		a, err := fileAssertion(kind, f.Data)
		if err != nil {
			return Command{}, fmt.Errorf("%s: %s: %w", sc.Name, f.Name, err)
		}
		switch {
		case stream == "stdout" && a != nil:
			cmd = cmd.ExpectStdout(a)
		case stream == "stderr" && kind == "ignore":
			cmd = cmd.IgnoreStderr()
		case stream == "stderr" && a != nil:
			cmd = cmd.ExpectStderr(a)
		}
	}
	return cmd, nil
}

func fileAssertion(kind string, data []byte) (LineAssertion, error) {
	lines := splitLines(data)
	switch kind {
	case "":
		return HasLines(lines...), nil
	case "absent":
		return DoesNotHaveLines(lines...), nil
	case "contains":
		return HasLinesContaining(lines...), nil
	case "match":
		return HasLinesMatching(lines...), nil
	case "count":
		n, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("invalid line count: %w", err)
		}
		return HasLineCount(n), nil
	case "ignore":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown expectation kind %q", kind)
	}
}

func splitLines(data []byte) []string {
	s := strings.TrimSuffix(string(data), "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// lookPath resolves name against a PATH value rather than the current
// process's PATH, so bin directories added to a scenario's env are honored.
func lookPath(name, path string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) || strings.ContainsRune(name, '/') {
		return name, nil
	}
	exts := []string{""}
	if runtime.GOOS == "windows" {
		exts = append(exts, ".exe", ".bat", ".cmd")
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		for _, ext := range exts {
			candidate := filepath.Join(dir, name+ext)
			info, err := os.Stat(candidate)
			if err != nil || info.IsDir() {
				continue
			}
			if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
				continue
			}
			return candidate, nil
		}
	}
	return "", fmt.Errorf("command %q not found in PATH", name)
}

// RunScenarios runs the scenarios in p.Dir as subtests of t.
func RunScenarios(t *testing.T, p Params) {
	files := globScenarioFiles(t, p.Dir)
	runFiles(t, p, files)
}

// RunScenarioFiles runs the scenarios with the given file names as subtests
// of t. The files need not be in the same directory.
func RunScenarioFiles(t *testing.T, p Params, filenames ...string) {
	runFiles(t, p, filenames)
}

// RunScenarioFilesStandalone runs scenarios without t.Run, for command-line
// tools that do not use the testing framework.
func RunScenarioFilesStandalone(t TestingT, p Params, filenames ...string) {
	runFilesStandalone(t, p, filenames)
}

// RunScenariosStandalone runs the scenarios in p.Dir without t.Run.
func RunScenariosStandalone(t TestingT, p Params) {
	files := globScenarioFiles(t, p.Dir)
	runFilesStandalone(t, p, files)
}

type testCase struct {
	name string
	file string
}

func buildTestCases(t TestingT, p Params, filenames []string) []testCase {
	var tests []testCase
	seen := make(map[string]bool)
	for _, filename := range filenames {
		name := strings.TrimSuffix(filepath.Base(filename), ".txtar")
		if p.RequireUniqueNames {
			if seen[name] {
				t.Fatalf("duplicate scenario name %q", name)
			}
			seen[name] = true
		}
		tests = append(tests, testCase{name, filename})
	}
	return tests
}

func globScenarioFiles(t TestingT, dir string) []string {
	files, err := filepath.Glob(filepath.Join(dir, "*.txtar"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Fatal("no scenario files found")
	}
	return files
}

func runFiles(t *testing.T, p Params, filenames []string) {
	tests := buildTestCases(t, p, filenames)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sr := &scenarioRun{t: t, name: tc.name, file: tc.file, params: p}
			defer sr.finalize()
			sr.run()
		})
	}
}

func runFilesStandalone(t TestingT, p Params, filenames []string) {
	tests := buildTestCases(t, p, filenames)
	for _, tc := range tests {
		st := &standaloneT{TestingT: t}
		func() {
			t.Logf("=== RUN   %s", tc.name)
			sr := &scenarioRun{t: st, name: tc.name, file: tc.file, params: p}
			defer sr.finalize()
			sr.run()

			switch {
			case st.failed:
				t.Logf("--- FAIL: %s", tc.name)
			case st.skipped:
				t.Logf("--- SKIP: %s", tc.name)
			default:
				t.Logf("--- PASS: %s", tc.name)
			}
		}()
		if st.failed && !p.ContinueOnError {
			return
		}
	}
}

// standaloneT tracks the outcome of one scenario on a shared TestingT.
type standaloneT struct {
	TestingT
	failed  bool
	skipped bool
}

func (t *standaloneT) Fatal(args ...any) {
	t.failed = true
	t.TestingT.Fatal(args...)
}

func (t *standaloneT) Fatalf(format string, args ...any) {
	t.failed = true
	t.TestingT.Fatalf(format, args...)
}

func (t *standaloneT) Skip(args ...any) {
	t.skipped = true
	t.TestingT.Skip(args...)
}

func (t *standaloneT) Failed() bool {
	return t.failed
}

// scenarioRun holds execution state for a single scenario.
type scenarioRun struct {
	t       TestingT
	name    string
	file    string
	params  Params
	workdir string
	env     []string
}

// setup creates the work directory and the base environment.
func (sr *scenarioRun) setup() {
	root := os.TempDir()
	if sr.params.WorkdirRoot != "" {
		root = sr.params.WorkdirRoot
		sr.params.TestWork = true
		if err := os.MkdirAll(root, 0755); err != nil {
			sr.t.Fatal(err)
		}
	}
	var err error
	sr.workdir, err = os.MkdirTemp(root, "clitest-*")
	if err != nil {
		sr.t.Fatal(err)
	}

	sr.env = []string{
		"WORK=" + sr.workdir,
		"PATH=" + os.Getenv("PATH"),
		homeEnvName() + "=/no-home",
		tempEnvName() + "=" + filepath.Join(sr.workdir, "tmp"),
	}
	if runtime.GOOS == "windows" {
		sr.env = append(sr.env, "exe=.exe")
	} else {
		sr.env = append(sr.env, "exe=")
	}

	if err := os.MkdirAll(filepath.Join(sr.workdir, "tmp"), 0755); err != nil {
		sr.t.Fatal(err)
	}
}

func (sr *scenarioRun) run() {
	sr.setup()

	sc, err := LoadScenario(sr.file)
	if err != nil {
		sr.t.Fatal(err)
		return
	}

	for _, cond := range sc.Header.Conditions {
		ok, err := sr.condition(cond)
		if err != nil {
			sr.t.Fatalf("%s: %v", sr.name, err)
			return
		}
		if !ok {
			sr.t.Skip(fmt.Sprintf("condition %q not satisfied", cond))
			return
		}
	}

	env := &Env{WorkDir: sr.workdir, Values: append([]string{}, sr.env...)}
	if sr.params.Setup != nil {
		if err := sr.params.Setup(env); err != nil {
			sr.t.Fatalf("setup failed: %v", err)
			return
		}
	}

	for _, f := range sc.Files {
		if isExpectationFile(f.Name) {
			continue
		}
		path := filepath.Join(sr.workdir, f.Name)
		if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
			sr.t.Fatal(err)
			return
		}
		if err := os.WriteFile(path, f.Data, 0666); err != nil {
			sr.t.Fatal(err)
			return
		}
	}

	if sr.params.TestSetup != "" {
		if err := runHook(sr.workdir, sr.params.TestSetup, env.Values, sr.params.Logger); err != nil {
			sr.t.Fatalf("test setup failed: %v", err)
			return
		}
	}
	if sr.params.TestTeardown != "" {
		defer func() {
			if err := runHook(sr.workdir, sr.params.TestTeardown, env.Values, sr.params.Logger); err != nil {
				sr.t.Logf("warning: test teardown failed: %v", err)
			}
		}()
	}

	cmd, err := sc.Command(env, sr.params.Encoding)
	if err != nil {
		sr.t.Fatal(err)
		return
	}
	if sr.params.Logger != nil {
		cmd = cmd.WithLogger(sr.params.Logger)
	}

	timeout := sc.Header.Timeout.Duration()
	if timeout <= 0 {
		timeout = sr.params.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultScenarioTimeout
	}

	p, err := cmd.Start()
	if err != nil {
		sr.t.Fatalf("%s: %v", sr.name, err)
		return
	}
	defer p.Close()

	res := p.WaitTimeout(timeout)
	sr.t.Logf("%s: exit %d after %v (stdout %d bytes, stderr %d bytes)",
		res.CommandLine, res.ExitCode, res.Duration.Round(time.Millisecond), res.StdoutBytes, res.StderrBytes)

	check := res.Success
	if sc.Header.ExpectTimeout {
		check = res.Timeout
	}
	if err := check(); err != nil {
		sr.t.Fatal(err)
	}
}

// condition evaluates whether a condition should be satisfied.
func (sr *scenarioRun) condition(cond string) (bool, error) {
	if sr.params.Condition != nil {
		return sr.params.Condition(cond)
	}

	switch cond {
	case "short":
		return testing.Short(), nil
	case "windows":
		return runtime.GOOS == "windows", nil
	case "darwin":
		return runtime.GOOS == "darwin", nil
	case "linux":
		return runtime.GOOS == "linux", nil
	default:
		if strings.HasPrefix(cond, "!") {
			ok, err := sr.condition(cond[1:])
			return !ok, err
		}
		return false, fmt.Errorf("unknown condition %q", cond)
	}
}

// finalize cleans up after the scenario.
func (sr *scenarioRun) finalize() {
	if sr.workdir == "" {
		return
	}
	if !sr.params.TestWork {
		os.RemoveAll(sr.workdir)
	} else {
		sr.t.Logf("work directory: %s", sr.workdir)
	}
}

func homeEnvName() string {
	switch runtime.GOOS {
	case "windows":
		return "USERPROFILE"
	case "plan9":
		return "home"
	default:
		return "HOME"
	}
}

func tempEnvName() string {
	if runtime.GOOS == "windows" {
		return "TMP"
	}
	return "TMPDIR"
}

package clitest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	toml "github.com/pelletier/go-toml/v2"
)

// ProjectFile is the optional configuration file of a scenario directory.
const ProjectFile = "clitest.toml"

// ProjectConfig describes a scenario directory: helper programs to put on
// PATH, global and per-scenario hook scripts, and run defaults. Paths are
// absolute once loaded.
type ProjectConfig struct {
	BinDir   string      `toml:"bin"`
	Setup    string      `toml:"setup"`
	Teardown string      `toml:"teardown"`
	Test     TestHooks   `toml:"test"`
	Run      RunDefaults `toml:"run"`
	dir      string
}

// TestHooks are shell scripts run in every scenario's work directory.
type TestHooks struct {
	Setup    string `toml:"setup"`
	Teardown string `toml:"teardown"`
}

// RunDefaults are applied to scenarios that do not set their own values.
type RunDefaults struct {
	Timeout  Duration `toml:"timeout"`
	Encoding string   `toml:"encoding"`
	LogLevel string   `toml:"log-level"`
}

// Duration is a time.Duration read from a string such as "1.5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// projectPath is one path setting of a project. An empty convention means
// the setting is never detected and must be configured.
type projectPath struct {
	desc       string
	dst        *string
	convention string
	dir        bool
}

func (cfg *ProjectConfig) paths() []projectPath {
	return []projectPath{
		{desc: "bin directory", dst: &cfg.BinDir, convention: "bin", dir: true},
		{desc: "setup script", dst: &cfg.Setup, convention: "setup.sh"},
		{desc: "teardown script", dst: &cfg.Teardown, convention: "teardown.sh"},
		{desc: "test setup script", dst: &cfg.Test.Setup},
		{desc: "test teardown script", dst: &cfg.Test.Teardown},
	}
}

// resolve makes *pp.dst absolute. A configured path must exist with the
// right kind; a conventional one is used only if it does.
func (pp projectPath) resolve(base string) error {
	if *pp.dst == "" {
		if pp.convention == "" {
			return nil
		}
		candidate := filepath.Join(base, pp.convention)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() == pp.dir {
			*pp.dst = candidate
		}
		return nil
	}

	configured := *pp.dst
	abs := filepath.Join(base, configured)
	info, err := os.Stat(abs)
	switch {
	case err != nil:
		return fmt.Errorf("%s: %s %q not found: %w", ProjectFile, pp.desc, configured, err)
	case pp.dir && !info.IsDir():
		return fmt.Errorf("%s: %s %q is not a directory", ProjectFile, pp.desc, configured)
	case !pp.dir && info.IsDir():
		return fmt.Errorf("%s: %s %q is a directory", ProjectFile, pp.desc, configured)
	}
	*pp.dst = abs
	return nil
}

// LoadProjectConfig reads dir/clitest.toml if present and fills unset paths
// from the conventional layout: bin/, setup.sh and teardown.sh. Per-scenario
// hooks are never detected. Unknown keys are rejected.
func LoadProjectConfig(dir string) (*ProjectConfig, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve dir: %w", err)
	}

	cfg := &ProjectConfig{}
	data, err := os.ReadFile(filepath.Join(absDir, ProjectFile))
	switch {
	case err == nil:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ProjectFile, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", ProjectFile, err)
	}
	cfg.dir = absDir

	for _, pp := range cfg.paths() {
		if err := pp.resolve(absDir); err != nil {
			return nil, err
		}
	}
	if cfg.Run.Encoding != "" {
		if _, err := EncodingByName(cfg.Run.Encoding); err != nil {
			return nil, fmt.Errorf("%s: %w", ProjectFile, err)
		}
	}
	if cfg.Run.LogLevel != "" {
		if _, err := log.ParseLevel(cfg.Run.LogLevel); err != nil {
			return nil, fmt.Errorf("%s: %w", ProjectFile, err)
		}
	}
	return cfg, nil
}

// binPath returns the PATH entries that expose the bin directory to
// scenarios, and a cleanup removing anything it created. Scripts named
// NAME.sh are reachable as NAME through shims in a temporary directory,
// listed before the bin directory itself.
func (cfg *ProjectConfig) binPath() ([]string, func(), error) {
	if cfg.BinDir == "" {
		return nil, func() {}, nil
	}
	entries, err := os.ReadDir(cfg.BinDir)
	if err != nil {
		return nil, func() {}, fmt.Errorf("read bin dir: %w", err)
	}

	shims, err := os.MkdirTemp("", "clitest-bin-*")
	if err != nil {
		return nil, func() {}, fmt.Errorf("create shim dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(shims) }

	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".sh")
		if e.IsDir() || !ok {
			continue
		}
		shim := fmt.Sprintf("#!/bin/sh\nexec /bin/sh %q \"$@\"\n", filepath.Join(cfg.BinDir, e.Name()))
		if err := os.WriteFile(filepath.Join(shims, name), []byte(shim), 0o755); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("write shim %s: %w", name, err)
		}
	}
	return []string{shims, cfg.BinDir}, cleanup, nil
}

// applyDefaults copies run defaults into p where p leaves them unset.
func (cfg *ProjectConfig) applyDefaults(p *Params) {
	if p.Timeout <= 0 {
		p.Timeout = cfg.Run.Timeout.Duration()
	}
	if p.Encoding == "" {
		p.Encoding = cfg.Run.Encoding
	}
	if p.Logger == nil && cfg.Run.LogLevel != "" {
		// Validated by LoadProjectConfig.
		level, _ := log.ParseLevel(cfg.Run.LogLevel)
		p.Logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "clitest", Level: level})
	}
}

// RunScenariosWithProject runs the scenarios of p.Dir as RunScenarios does,
// within the project described by the directory's layout and clitest.toml.
func RunScenariosWithProject(t *testing.T, p Params) {
	done, err := enterProject(&p)
	if err != nil {
		t.Fatal(err)
	}
	defer done()
	RunScenarios(t, p)
}

// RunScenariosStandaloneWithProject is RunScenariosWithProject for callers
// without a *testing.T. It returns an error if the project cannot be set up
// or any scenario failed.
func RunScenariosStandaloneWithProject(t TestingT, p Params) error {
	return standaloneProject(t, &p, func() { RunScenariosStandalone(t, p) })
}

// RunScenarioFilesStandaloneWithProject runs the given scenario files within
// the project of p.Dir.
func RunScenarioFilesStandaloneWithProject(t TestingT, p Params, filenames ...string) error {
	return standaloneProject(t, &p, func() { RunScenarioFilesStandalone(t, p, filenames...) })
}

func standaloneProject(t TestingT, p *Params, run func()) error {
	done, err := enterProject(p)
	if err != nil {
		return err
	}
	defer done()
	run()
	if t.Failed() {
		return errors.New("scenarios failed")
	}
	return nil
}

// enterProject loads the project of p.Dir, folds it into p and runs the
// global setup. The returned func runs the global teardown.
func enterProject(p *Params) (func(), error) {
	cfg, err := LoadProjectConfig(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("load project config: %w", err)
	}
	bin, removeBin, err := cfg.binPath()
	if err != nil {
		return nil, fmt.Errorf("prepare bin dir: %w", err)
	}

	userSetup := p.Setup
	p.Setup = func(env *Env) error {
		if userSetup != nil {
			if err := userSetup(env); err != nil {
				return err
			}
		}
		if len(bin) > 0 {
			env.Setenv("PATH", joinPath(append(bin, env.Getenv("PATH"))...))
		}
		return nil
	}
	if cfg.Test.Setup != "" {
		p.TestSetup = cfg.Test.Setup
	}
	if cfg.Test.Teardown != "" {
		p.TestTeardown = cfg.Test.Teardown
	}
	cfg.applyDefaults(p)

	logger := p.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	if cfg.Setup != "" {
		if err := runHook(cfg.dir, cfg.Setup, nil, logger); err != nil {
			removeBin()
			return nil, fmt.Errorf("global setup failed: %w", err)
		}
	}
	return func() {
		if cfg.Teardown != "" {
			if err := runHook(cfg.dir, cfg.Teardown, nil, logger); err != nil {
				logger.Warn("global teardown failed", "err", err)
			}
		}
		removeBin()
	}, nil
}

func joinPath(dirs ...string) string {
	var nonEmpty []string
	for _, d := range dirs {
		if d != "" {
			nonEmpty = append(nonEmpty, d)
		}
	}
	return strings.Join(nonEmpty, string(os.PathListSeparator))
}

// hookCommand runs script with /bin/sh in dir. Variables in env, given as
// NAME=VALUE, override the inherited environment. Both output streams are
// copied to out.
func hookCommand(dir, script string, env []string, out io.Writer) Command {
	vars := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = v
		}
	}
	return New("/bin/sh", script).
		Dir(dir).
		EnvMap(vars).
		StderrToStdout().
		RedirectStdout(out)
}

// runHook runs a hook script and returns its combined output in the error
// if it did not succeed.
func runHook(dir, script string, env []string, logger *log.Logger) error {
	var out bytes.Buffer
	res := hookCommand(dir, script, env, &out).WithLogger(logger).Run()
	if err := res.Success(); err != nil {
		return fmt.Errorf("%s: %w\n%s", filepath.Base(script), err, out.Bytes())
	}
	return nil
}

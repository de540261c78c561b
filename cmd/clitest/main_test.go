package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (stdout string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewCommand(&out, &errOut)
	err = cmd.ParseAndRun(context.Background(), args)
	t.Logf("stderr: %s", errOut.String())
	return out.String(), err
}

func TestRun(t *testing.T) {
	out, err := runCLI(t, "run", "--line", "hello world", "--line-count", "1", "--", "echo", "hello", "world")
	require.NoError(t, err)
	assert.Contains(t, out, "exit 0")
}

func TestRun_Failures(t *testing.T) {
	_, err := runCLI(t, "run",
		"--line", "bonjour",
		"--no-contains", "hell",
		"--exit-code", "2",
		"--", "echo", "hello")
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "Failure 1/3")
	assert.Contains(t, msg, "Failure 3/3: expected exit code 2 but was 0")
	assert.Contains(t, msg, `"bonjour"`)
}

func TestRun_Stdin(t *testing.T) {
	_, err := runCLI(t, "run", "--stdin", "a\nb\n", "--line", "a", "--line", "b", "--", "cat")
	assert.NoError(t, err)
}

func TestRun_StderrDefaults(t *testing.T) {
	script := "echo warn >&2"

	_, err := runCLI(t, "run", "--", "sh", "-c", script)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected stderr to be empty")

	_, err = runCLI(t, "run", "--ignore-stderr", "--", "sh", "-c", script)
	assert.NoError(t, err)

	_, err = runCLI(t, "run", "--stderr-to-stdout", "--line", "warn", "--", "sh", "-c", script)
	assert.NoError(t, err)
}

func TestRun_Timeout(t *testing.T) {
	_, err := runCLI(t, "run", "--timeout", "200ms", "--expect-timeout", "--", "sleep", "5")
	assert.NoError(t, err)

	_, err = runCLI(t, "run", "--timeout", "200ms", "--", "sleep", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Exception 1/1")
}

func TestRun_StdoutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	_, err := runCLI(t, "run", "--stdout-file", path, "--", "echo", "saved")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "saved\n", string(data))
}

func TestRun_InvalidFlags(t *testing.T) {
	cases := map[string][]string{
		"no executable":   {"run"},
		"bad exit code":   {"run", "--exit-code", "zero", "--", "true"},
		"bad env":         {"run", "--env", "NOVALUE", "--", "true"},
		"bad pattern":     {"run", "--match", "(", "--", "true"},
		"bad encoding":    {"run", "--encoding", "klingon", "--", "true"},
		"two stdins":      {"run", "--stdin", "x", "--stdin-file", "y", "--", "cat"},
		"stderr conflict": {"run", "--stderr-to-stdout", "--ignore-stderr", "--", "true"},
		"bad log level":   {"--log-level", "loud", "run", "--", "true"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := runCLI(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestScenario(t *testing.T) {
	out, err := runCLI(t, "scenario", "--verbose", "testdata/pass")
	require.NoError(t, err, out)
	assert.Contains(t, out, "--- PASS: echo")
	assert.Contains(t, out, "--- PASS: shell")
}

func TestScenario_SingleFile(t *testing.T) {
	_, err := runCLI(t, "scenario", "testdata/pass/cat.txtar")
	assert.NoError(t, err)
}

func TestScenario_Failure(t *testing.T) {
	out, err := runCLI(t, "scenario", "testdata/fail", "testdata/pass")
	require.Error(t, err)
	assert.Contains(t, out, "FAIL: ")
	assert.Contains(t, out, `expected stdout to have lines ["hello"]`)
	// stops at the first failing target
	assert.NotContains(t, out, "PASS: echo")
}

func TestScenario_BadTarget(t *testing.T) {
	_, err := runCLI(t, "scenario", "testdata/pass/missing.txtar")
	assert.Error(t, err)

	_, err = runCLI(t, "scenario", "main.go")
	assert.Error(t, err)
}

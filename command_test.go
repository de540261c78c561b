package clitest

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_Immutable(t *testing.T) {
	base := New("prog", "a").Env("X", "1")
	derived := base.Arg("b").Env("X", "2", "Y", "3").ExpectStdout(HasLines("ok"))

	assert.Equal(t, []string{"a"}, base.Args())
	assert.Equal(t, []string{"a", "b"}, derived.Args())
	assert.Equal(t, "1", base.env["X"])
	assert.Equal(t, "2", derived.env["X"])
	assert.Empty(t, base.stdout.assertions)
	assert.Len(t, derived.stdout.assertions, 1)

	args := derived.Args()
	args[0] = "mutated"
	assert.Equal(t, "a", derived.Args()[0])

	other := derived.WithExecutable("other")
	assert.Equal(t, "prog", derived.Executable())
	assert.Equal(t, "other", other.Executable())
}

func TestCommand_String(t *testing.T) {
	c := New("/bin/prog", "plain", "with space", "", `q"uote`)
	assert.Equal(t, `/bin/prog plain "with space" "" "q\"uote"`, c.String())
}

func TestCommand_Environ(t *testing.T) {
	t.Setenv("CLITEST_INHERITED", "parent")
	t.Setenv("CLITEST_OVERRIDDEN", "parent")

	env := New("prog").
		Env("CLITEST_OVERRIDDEN", "child").
		EnvMap(map[string]string{"CLITEST_B": "b", "CLITEST_A": "a"}).
		environ()

	assert.Contains(t, env, "CLITEST_INHERITED=parent")
	assert.Contains(t, env, "CLITEST_OVERRIDDEN=child")
	assert.NotContains(t, env, "CLITEST_OVERRIDDEN=parent")
	assert.Contains(t, env, "CLITEST_A=a")
	assert.Contains(t, env, "CLITEST_B=b")
}

func TestCommand_Defaults(t *testing.T) {
	c := New("prog")
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, c.dir)
	assert.Equal(t, defaultExitCodes, c.acceptedExitCodes())

	spec := c.stderrSpec()
	require.Len(t, spec.assertions, 1, "stderr must be empty by default")
	assert.NotEmpty(t, check(spec.assertions[0], "unexpected"))

	assert.Empty(t, c.IgnoreStderr().stderrSpec().assertions)
	assert.Equal(t, exitCodes{3, 4}, c.ExitCodeIsAnyOf(3, 4).acceptedExitCodes())
}

func TestCommand_ConfigPanics(t *testing.T) {
	tests := map[string]func(){
		"odd env":         func() { New("p").Env("A") },
		"bad env name":    func() { New("p").Env("A=B", "c") },
		"empty env name":  func() { New("p").EnvMap(map[string]string{"": "x"}) },
		"two stdins":      func() { New("p").Stdin("a").StdinFile("b") },
		"no exit codes":   func() { New("p").ExitCodeIsAnyOf() },
		"merge after exp": func() { New("p").ExpectStderr(HasLines("x")).StderrToStdout() },
		"merge after ign": func() { New("p").IgnoreStderr().StderrToStdout() },
		"merge after enc": func() { New("p").StderrBytes(BytesEqual(0)).StderrToStdout() },
		"expect merged":   func() { New("p").StderrToStdout().ExpectStderr(HasLines("x")) },
		"bytes merged":    func() { New("p").StderrToStdout().StderrBytes(BytesEqual(1)) },
		"redir merged":    func() { New("p").StderrToStdout().RedirectStderr(&bytes.Buffer{}) },
		"redir file mrg":  func() { New("p").StderrToStdout().RedirectStderrToFile("x") },
		"ignore merged":   func() { New("p").StderrToStdout().IgnoreStderr() },
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			assertConfigPanic(t, fn)
		})
	}
}

func TestCommand_StartWithoutExecutable(t *testing.T) {
	_, err := New("").Start()
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)

	res := New("").Run()
	require.Error(t, res.Success())
	assert.ErrorAs(t, res.Err(), &cerr)
	assert.Equal(t, -1, res.ExitCode)
}

func TestCommand_StartMissingProgram(t *testing.T) {
	res := New("/nonexistent/clitest-program").Run()
	err := res.Success()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Exception 1/1: start /nonexistent/clitest-program")
}

package clitest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// check feeds lines to a fresh checker of a and returns the recorded
// failures.
func check(a LineAssertion, lines ...string) []string {
	ch := a.Begin()
	for _, l := range lines {
		ch.Line(l)
	}
	f := &Failures{}
	ch.Evaluate(Stdout, f)
	var e *Error
	if err, ok := f.Err("test").(*Error); ok {
		e = err
	}
	if e == nil {
		return nil
	}
	return e.Failures
}

func TestHasLines(t *testing.T) {
	tests := []struct {
		name     string
		expected []string
		output   []string
		missing  string
	}{
		{"all present", []string{"b", "a"}, []string{"a", "x", "b"}, ""},
		{"empty expectation", nil, nil, ""},
		{"missing", []string{"a", "c"}, []string{"a", "b"}, `"c"`},
		{"duplicates need duplicates", []string{"a", "a"}, []string{"a", "b"}, `but 1 never matched`},
		{"duplicates satisfied", []string{"a", "a"}, []string{"a", "a"}, ""},
		{"exact match only", []string{"hello"}, []string{"hello world"}, `"hello"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := check(HasLines(tt.expected...), tt.output...)
			if tt.missing == "" {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Contains(t, got[0], tt.missing)
		})
	}
}

func TestHasLines_ReportsInExpectedOrder(t *testing.T) {
	got := check(HasLines("z", "a", "m"), "a")
	require.Len(t, got, 1)
	assert.Equal(t, "expected stdout to have lines [\"z\", \"a\", \"m\"] but 2 never matched:\n  \"z\"\n  \"m\"", got[0])
}

func TestHasLines_Reusable(t *testing.T) {
	a := HasLines("x")
	assert.Empty(t, check(a, "x"))
	assert.NotEmpty(t, check(a), "state must not leak between runs")
	assert.Empty(t, check(a, "x"))
}

func TestDoesNotHaveLines(t *testing.T) {
	assert.Empty(t, check(DoesNotHaveLines("bad"), "good", "badly"))

	got := check(DoesNotHaveLines("bad", "worse"), "worse", "ok", "bad", "worse")
	require.Len(t, got, 1)
	assert.Equal(t, "expected stdout not to have lines [\"bad\", \"worse\"] but found:\n  \"worse\"\n  \"bad\"", got[0])
}

func TestHasLinesContaining(t *testing.T) {
	// one line may satisfy several entries
	assert.Empty(t, check(HasLinesContaining("foo", "bar"), "foobar"))

	got := check(HasLinesContaining("foo", "baz"), "foobar")
	require.Len(t, got, 1)
	assert.Contains(t, got[0], `lines containing ["foo", "baz"]`)
	assert.Contains(t, got[0], "1 never matched:\n  \"baz\"")
}

func TestHasLinesContainingIgnoreCase(t *testing.T) {
	assert.Empty(t, check(HasLinesContainingIgnoreCase("WARNING"), "a warning here"))
	assert.Empty(t, check(HasLinesContainingIgnoreCase("straße"), "STRASSE STRAßE"))
	assert.NotEmpty(t, check(HasLinesContainingIgnoreCase("error"), "all good"))
}

func TestDoesNotHaveLinesContaining(t *testing.T) {
	assert.Empty(t, check(DoesNotHaveLinesContaining("panic"), "fine"))

	got := check(DoesNotHaveLinesContaining("panic", "fatal"), "panic: boom", "fatal error", "panic: boom")
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "\"panic: boom\"\n  \"fatal error\"")

	got = check(DoesNotHaveLinesContainingIgnoreCase("PANIC"), "Panic!")
	assert.Len(t, got, 1)
}

func TestHasLinesMatching(t *testing.T) {
	assert.Empty(t, check(HasLinesMatching(`v\d+\.\d+`, `^done$`), "version v1.2 built", "done"))

	got := check(HasLinesMatching(`^done$`), "not done")
	require.Len(t, got, 1)
	assert.Contains(t, got[0], `lines matching ["^done$"]`)
}

func TestDoesNotHaveLinesMatching(t *testing.T) {
	assert.Empty(t, check(DoesNotHaveLinesMatching(`^E\d+`), "ok E12"))
	assert.Len(t, check(DoesNotHaveLinesMatching(`^E\d+`), "E12 failed"), 1)
}

func TestInvalidPatternPanics(t *testing.T) {
	assertConfigPanic(t, func() { HasLinesMatching("(") })
	assertConfigPanic(t, func() { DoesNotHaveLinesMatching("[") })
}

func TestHasLineCount(t *testing.T) {
	assert.Empty(t, check(HasLineCount(2), "a", "b"))
	assert.Empty(t, check(HasLineCount(0)))

	got := check(HasLineCount(1), "a", "b")
	require.Len(t, got, 1)
	assert.Equal(t, "expected stdout to have exactly 1 lines but it had 2", got[0])

	got = check(HasLineCountThat(func(n int) bool { return n >= 3 }, "at least 3"), "a")
	require.Len(t, got, 1)
	assert.Equal(t, "expected stdout to have at least 3 lines but it had 1", got[0])
}

func TestDoesNotHaveAnyLines(t *testing.T) {
	assert.Empty(t, check(DoesNotHaveAnyLines()))

	got := check(DoesNotHaveAnyLines(), "one", "")
	require.Len(t, got, 1)
	assert.Equal(t, "expected stdout to be empty but it had 2 lines:\n  \"one\"\n  \"\"", got[0])
}

func TestLogLines(t *testing.T) {
	var seen []string
	got := check(LogLines(func(l string) { seen = append(seen, l) }), "a", "b")
	assert.Empty(t, got)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func assertConfigPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected a panic")
		_, ok := r.(*ConfigError)
		assert.True(t, ok, "panic value %T is not a *ConfigError", r)
	}()
	fn()
}

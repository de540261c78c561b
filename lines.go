package clitest

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Stream identifies a process output stream.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// A LineAssertion describes a check applied to every line of an output
// stream. Assertions are immutable; Begin returns the state for one run, so a
// Command can be run any number of times.
type LineAssertion interface {
	Begin() LineChecker
}

// A LineChecker holds the state of one LineAssertion during one run.
//
// Line is called once per line, in stream order, on the goroutine draining
// the stream; it must not panic. Evaluate is called exactly once, after the
// stream is fully drained, and records every outstanding violation.
type LineChecker interface {
	Line(text string)
	Evaluate(stream Stream, f *Failures)
}

// lineFunc adapts a pair of closures to LineChecker.
type lineFunc struct {
	line     func(string)
	evaluate func(Stream, *Failures)
}

func (l lineFunc) Line(text string)                    { l.line(text) }
func (l lineFunc) Evaluate(stream Stream, f *Failures) { l.evaluate(stream, f) }

// assertionFunc adapts a constructor closure to LineAssertion.
type assertionFunc func() LineChecker

func (fn assertionFunc) Begin() LineChecker { return fn() }

// HasLines expects every given line to appear somewhere in the stream, in any
// order. Duplicate entries require duplicate occurrences; one output line
// never satisfies two entries.
func HasLines(lines ...string) LineAssertion {
	expected := append([]string(nil), lines...)
	return assertionFunc(func() LineChecker {
		var mu sync.Mutex
		remaining := make(map[string]int, len(expected))
		for _, l := range expected {
			remaining[l]++
		}
		return lineFunc{
			line: func(text string) {
				mu.Lock()
				defer mu.Unlock()
				if remaining[text] > 0 {
					remaining[text]--
				}
			},
			evaluate: func(stream Stream, f *Failures) {
				mu.Lock()
				defer mu.Unlock()
				left := make(map[string]int, len(remaining))
				for k, v := range remaining {
					left[k] = v
				}
				var missing []string
				for _, l := range expected {
					if left[l] > 0 {
						left[l]--
						missing = append(missing, l)
					}
				}
				if len(missing) > 0 {
					f.Failf("expected %s to have lines %s but %d never matched:\n%s",
						stream, quoteList(expected), len(missing), bulletList(missing))
				}
			},
		}
	})
}

// DoesNotHaveLines fails for every output line exactly equal to one of the
// given lines.
func DoesNotHaveLines(lines ...string) LineAssertion {
	return forbidden(fmt.Sprintf("lines %s", quoteList(lines)), func() func(string) bool {
		set := make(map[string]bool, len(lines))
		for _, l := range lines {
			set[l] = true
		}
		return func(text string) bool { return set[text] }
	})
}

// HasLinesContaining expects each substring to be found in at least one line.
// Substrings are checked independently, so one line may satisfy several.
func HasLinesContaining(substrings ...string) LineAssertion {
	return required("lines containing", substrings, func() func(entry, text string) bool {
		return func(entry, text string) bool { return strings.Contains(text, entry) }
	})
}

// HasLinesContainingIgnoreCase is HasLinesContaining with both sides lower
// cased using English case rules.
func HasLinesContainingIgnoreCase(substrings ...string) LineAssertion {
	return required("lines containing (ignoring case)", substrings, func() func(entry, text string) bool {
		lower := cases.Lower(language.English)
		return func(entry, text string) bool {
			return strings.Contains(lower.String(text), lower.String(entry))
		}
	})
}

// DoesNotHaveLinesContaining fails for every line containing any of the
// substrings.
func DoesNotHaveLinesContaining(substrings ...string) LineAssertion {
	return forbidden(fmt.Sprintf("lines containing %s", quoteList(substrings)), func() func(string) bool {
		return func(text string) bool {
			for _, s := range substrings {
				if strings.Contains(text, s) {
					return true
				}
			}
			return false
		}
	})
}

// DoesNotHaveLinesContainingIgnoreCase is the case-insensitive form of
// DoesNotHaveLinesContaining.
func DoesNotHaveLinesContainingIgnoreCase(substrings ...string) LineAssertion {
	return forbidden(fmt.Sprintf("lines containing %s (ignoring case)", quoteList(substrings)), func() func(string) bool {
		lower := cases.Lower(language.English)
		folded := make([]string, len(substrings))
		for i, s := range substrings {
			folded[i] = lower.String(s)
		}
		return func(text string) bool {
			text = lower.String(text)
			for _, s := range folded {
				if strings.Contains(text, s) {
					return true
				}
			}
			return false
		}
	})
}

// HasLinesMatching expects each pattern to be found in at least one line.
// A pattern matches if it is found anywhere in the line. An invalid pattern
// panics with a *ConfigError.
func HasLinesMatching(patterns ...string) LineAssertion {
	res := compileAll(patterns)
	return required("lines matching", patterns, func() func(entry, text string) bool {
		byPattern := make(map[string]*regexp.Regexp, len(res))
		for i, p := range patterns {
			byPattern[p] = res[i]
		}
		return func(entry, text string) bool {
			return byPattern[entry].MatchString(text)
		}
	})
}

// DoesNotHaveLinesMatching fails for every line in which any pattern is found.
// An invalid pattern panics with a *ConfigError.
func DoesNotHaveLinesMatching(patterns ...string) LineAssertion {
	res := compileAll(patterns)
	return forbidden(fmt.Sprintf("lines matching %s", quoteList(patterns)), func() func(string) bool {
		return func(text string) bool {
			for _, re := range res {
				if re.MatchString(text) {
					return true
				}
			}
			return false
		}
	})
}

// HasLineCount expects exactly n lines.
func HasLineCount(n int) LineAssertion {
	return HasLineCountThat(func(count int) bool { return count == n }, fmt.Sprintf("exactly %d", n))
}

// HasLineCountThat expects the number of lines to satisfy pred. The
// description completes the sentence "expected stdout to have ... lines".
func HasLineCountThat(pred func(count int) bool, description string) LineAssertion {
	return assertionFunc(func() LineChecker {
		var (
			mu    sync.Mutex
			count int
		)
		return lineFunc{
			line: func(string) {
				mu.Lock()
				count++
				mu.Unlock()
			},
			evaluate: func(stream Stream, f *Failures) {
				mu.Lock()
				defer mu.Unlock()
				if !pred(count) {
					f.Failf("expected %s to have %s lines but it had %d", stream, description, count)
				}
			},
		}
	})
}

// DoesNotHaveAnyLines fails for every line at all. It is the default for an
// unconfigured stderr.
func DoesNotHaveAnyLines() LineAssertion {
	return assertionFunc(func() LineChecker {
		var (
			mu    sync.Mutex
			lines []string
		)
		return lineFunc{
			line: func(text string) {
				mu.Lock()
				lines = append(lines, text)
				mu.Unlock()
			},
			evaluate: func(stream Stream, f *Failures) {
				mu.Lock()
				defer mu.Unlock()
				if len(lines) > 0 {
					f.Failf("expected %s to be empty but it had %d lines:\n%s", stream, len(lines), bulletList(lines))
				}
			},
		}
	})
}

// LogLines forwards every line to fn and is always satisfied. fn runs on the
// goroutine draining the stream.
func LogLines(fn func(line string)) LineAssertion {
	return assertionFunc(func() LineChecker {
		return lineFunc{
			line:     fn,
			evaluate: func(Stream, *Failures) {},
		}
	})
}

// required builds a positive assertion where each entry must be satisfied by
// at least one line. newMatch is called once per run.
func required(what string, entries []string, newMatch func() func(entry, text string) bool) LineAssertion {
	entries = append([]string(nil), entries...)
	return assertionFunc(func() LineChecker {
		var mu sync.Mutex
		match := newMatch()
		unmet := make(map[string]bool, len(entries))
		for _, e := range entries {
			unmet[e] = true
		}
		return lineFunc{
			line: func(text string) {
				mu.Lock()
				defer mu.Unlock()
				for e := range unmet {
					if match(e, text) {
						delete(unmet, e)
					}
				}
			},
			evaluate: func(stream Stream, f *Failures) {
				mu.Lock()
				defer mu.Unlock()
				var missing []string
				for _, e := range entries {
					if unmet[e] {
						missing = append(missing, e)
						delete(unmet, e)
					}
				}
				if len(missing) > 0 {
					f.Failf("expected %s to have %s %s but %d never matched:\n%s",
						stream, what, quoteList(entries), len(missing), bulletList(missing))
				}
			},
		}
	})
}

// forbidden builds a negative assertion collecting every distinct offending
// line in order of first occurrence.
func forbidden(what string, newMatch func() func(text string) bool) LineAssertion {
	return assertionFunc(func() LineChecker {
		var (
			mu       sync.Mutex
			seen     = make(map[string]bool)
			offences []string
		)
		match := newMatch()
		return lineFunc{
			line: func(text string) {
				mu.Lock()
				defer mu.Unlock()
				if seen[text] || !match(text) {
					return
				}
				seen[text] = true
				offences = append(offences, text)
			},
			evaluate: func(stream Stream, f *Failures) {
				mu.Lock()
				defer mu.Unlock()
				if len(offences) > 0 {
					f.Failf("expected %s not to have %s but found:\n%s", stream, what, bulletList(offences))
				}
			},
		}
	})
}

func compileAll(patterns []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			configPanic("invalid line pattern %q: %v", p, err)
		}
		res[i] = re
	}
	return res
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func bulletList(items []string) string {
	var b strings.Builder
	for i, s := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "  %q", s)
	}
	return b.String()
}

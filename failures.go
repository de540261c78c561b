package clitest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Failures collects assertion failures and exceptions raised while a command
// runs. It is safe for concurrent use.
type Failures struct {
	mu         sync.Mutex
	failures   []string
	exceptions []error
}

// Fail records an assertion failure.
func (f *Failures) Fail(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, msg)
}

// Failf records a formatted assertion failure.
func (f *Failures) Failf(format string, args ...any) {
	f.Fail(fmt.Sprintf(format, args...))
}

// Exception records an error that is not an assertion failure: an I/O error,
// a start failure, a cancellation or a timeout. Nil errors are ignored.
func (f *Failures) Exception(err error) {
	if err == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exceptions = append(f.exceptions, err)
}

// Empty reports whether nothing was recorded.
func (f *Failures) Empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures) == 0 && len(f.exceptions) == 0
}

// Err returns nil if nothing was recorded, otherwise an *Error snapshot
// attributed to the given command line.
func (f *Failures) Err(commandLine string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) == 0 && len(f.exceptions) == 0 {
		return nil
	}
	return &Error{
		CommandLine: commandLine,
		Failures:    dedupStrings(f.failures),
		Exceptions:  dedupErrors(f.exceptions),
	}
}

// Error is the aggregated report of one execution. It lists every distinct
// exception and every distinct assertion failure.
type Error struct {
	CommandLine string
	Failures    []string
	Exceptions  []error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "clitest: command failed: %s", e.CommandLine)
	for i, err := range e.Exceptions {
		fmt.Fprintf(&b, "\nException %d/%d: %s", i+1, len(e.Exceptions), indent(err.Error()))
	}
	for i, msg := range e.Failures {
		fmt.Fprintf(&b, "\nFailure %d/%d: %s", i+1, len(e.Failures), indent(msg))
	}
	return b.String()
}

// Unwrap exposes the exceptions to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return e.Exceptions
}

// indent keeps multi-line details readable under their numbered header.
func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n    ")
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func dedupErrors(in []error) []error {
	seen := make(map[string]bool, len(in))
	out := make([]error, 0, len(in))
	for _, err := range in {
		key := err.Error()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, err)
	}
	return out
}

// ErrCancelled is reported when the process was killed while stdin was
// still being written.
var ErrCancelled = errors.New("clitest: cancelled")

// ErrTimeout classifies a wait that expired before the process exited.
var ErrTimeout = errors.New("clitest: timed out")

// CancelledError records which stdin operation observed the cancellation.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("clitest: process was cancelled while %s stdin", e.Op)
}

func (e *CancelledError) Unwrap() error { return ErrCancelled }

// TimeoutError is the exception attached to a Result whose wait expired.
type TimeoutError struct {
	After time.Duration
	Cause error
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("clitest: process did not exit within %v", e.After)
	}
	return fmt.Sprintf("clitest: process did not exit before wait ended: %v", e.Cause)
}

func (e *TimeoutError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Cause}
}

// ConfigError reports an illegal command configuration. Fluent mutators panic
// with a *ConfigError; Start returns one.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "clitest: invalid configuration: " + e.Msg
}

func configPanic(format string, args ...any) {
	panic(&ConfigError{Msg: fmt.Sprintf(format, args...)})
}

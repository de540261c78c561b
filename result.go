package clitest

import (
	"errors"
	"fmt"
	"time"
)

// Result is the immutable outcome of one execution.
type Result struct {
	CommandLine string
	// ExitCode is -1 when unknown: the wait timed out or the process was
	// terminated by a signal.
	ExitCode    int
	Duration    time.Duration
	StdoutBytes int64
	StderrBytes int64
	TimedOut    bool
	Killed      bool

	err error
}

func failedResult(line string, err error) *Result {
	f := &Failures{}
	f.Exception(err)
	return &Result{
		CommandLine: line,
		ExitCode:    -1,
		err:         f.Err(line),
	}
}

// Err returns the aggregated *Error, or nil if every expectation held.
func (r *Result) Err() error {
	return r.err
}

// Success returns nil only if no exception was captured and every assertion
// held.
func (r *Result) Success() error {
	return r.err
}

// Timeout returns nil only if the wait that produced r expired. The exit
// code is not inspected: a process that finished in time fails this check
// whatever its exit code.
func (r *Result) Timeout() error {
	if r.TimedOut && errors.Is(r.err, ErrTimeout) {
		return nil
	}
	if r.err == nil {
		return fmt.Errorf("clitest: expected %s to time out but it exited with code %d after %v",
			r.CommandLine, r.ExitCode, r.Duration.Round(time.Millisecond))
	}
	return fmt.Errorf("clitest: expected %s to time out, got:\n%w", r.CommandLine, r.err)
}

// AssertSuccess fails t with the full report unless the run succeeded.
func (r *Result) AssertSuccess(t TestingT) {
	t.Helper()
	if err := r.Success(); err != nil {
		t.Fatal(err)
	}
}

// AssertTimeout fails t unless the run timed out.
func (r *Result) AssertTimeout(t TestingT) {
	t.Helper()
	if err := r.Timeout(); err != nil {
		t.Fatal(err)
	}
}

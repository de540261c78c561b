package clitest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailures_Empty(t *testing.T) {
	var f Failures
	assert.True(t, f.Empty())
	assert.NoError(t, f.Err("cmd"))

	f.Exception(nil)
	assert.True(t, f.Empty(), "nil exceptions are ignored")
}

func TestFailures_Report(t *testing.T) {
	var f Failures
	f.Fail("first failure")
	f.Failf("second failure:\n  %q", "detail")
	f.Fail("first failure")
	f.Exception(io.ErrUnexpectedEOF)
	f.Exception(fmt.Errorf("wrapped: %w", io.ErrUnexpectedEOF))

	err := f.Err("prog --flag")
	require.Error(t, err)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Failures, 2, "duplicates are dropped")
	assert.Len(t, cerr.Exceptions, 2)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	want := strings.Join([]string{
		"clitest: command failed: prog --flag",
		"Exception 1/2: unexpected EOF",
		"Exception 2/2: wrapped: unexpected EOF",
		"Failure 1/2: first failure",
		"Failure 2/2: second failure:",
		`      "detail"`,
	}, "\n")
	assert.Equal(t, want, err.Error())
}

func TestFailures_Concurrent(t *testing.T) {
	var (
		f  Failures
		wg sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Failf("failure %d", i)
		}()
	}
	wg.Wait()

	var cerr *Error
	require.ErrorAs(t, f.Err("x"), &cerr)
	assert.Len(t, cerr.Failures, 50)
}

func TestErrorKinds(t *testing.T) {
	cancelled := &CancelledError{Op: "writing to"}
	assert.ErrorIs(t, cancelled, ErrCancelled)
	assert.Equal(t, "clitest: process was cancelled while writing to stdin", cancelled.Error())

	timeout := &TimeoutError{After: 200 * time.Millisecond}
	assert.ErrorIs(t, timeout, ErrTimeout)
	assert.Contains(t, timeout.Error(), "200ms")

	ctxTimeout := &TimeoutError{Cause: context.DeadlineExceeded}
	assert.ErrorIs(t, ctxTimeout, ErrTimeout)
	assert.ErrorIs(t, ctxTimeout, context.DeadlineExceeded)

	cfg := &ConfigError{Msg: "bad"}
	assert.Equal(t, "clitest: invalid configuration: bad", cfg.Error())
	assert.False(t, errors.Is(cfg, ErrTimeout))
}

package clitest

import (
	"fmt"
	"slices"
	"strings"
)

// A ByteCount is an assertion over the total number of raw bytes a stream
// produced, evaluated once after the stream is drained.
type ByteCount struct {
	pred func(n int64) bool
	desc string
}

// BytesEqual expects exactly n bytes.
func BytesEqual(n int64) ByteCount {
	return BytesThat(func(got int64) bool { return got == n }, fmt.Sprintf("exactly %d", n))
}

// BytesAtLeast expects n bytes or more.
func BytesAtLeast(n int64) ByteCount {
	return BytesThat(func(got int64) bool { return got >= n }, fmt.Sprintf("at least %d", n))
}

// BytesAtMost expects n bytes or fewer.
func BytesAtMost(n int64) ByteCount {
	return BytesThat(func(got int64) bool { return got <= n }, fmt.Sprintf("at most %d", n))
}

// BytesThat expects the byte count to satisfy pred. The description completes
// the sentence "expected stdout to have ... bytes".
func BytesThat(pred func(n int64) bool, description string) ByteCount {
	return ByteCount{pred: pred, desc: description}
}

func (b ByteCount) evaluate(stream Stream, n int64, f *Failures) {
	if b.pred == nil || b.pred(n) {
		return
	}
	f.Failf("expected %s to have %s bytes but it had %d", stream, b.desc, n)
}

// exitCodes is the set of accepted exit codes.
type exitCodes []int

var defaultExitCodes = exitCodes{0}

func (e exitCodes) evaluate(code int, killed bool, f *Failures) {
	if slices.Contains(e, code) {
		return
	}
	if code < 0 {
		if killed {
			f.Failf("expected exit code %s but the process was killed", e)
		} else {
			f.Failf("expected exit code %s but the process ended without one", e)
		}
		return
	}
	f.Failf("expected exit code %s but was %d", e, code)
}

func (e exitCodes) String() string {
	if len(e) == 1 {
		return fmt.Sprint(e[0])
	}
	parts := make([]string, len(e))
	for i, c := range e {
		parts[i] = fmt.Sprint(c)
	}
	return "any of [" + strings.Join(parts, ", ") + "]"
}

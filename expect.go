package clitest

import (
	"io"

	"golang.org/x/text/encoding"
)

// ExpectStdout adds line assertions for stdout.
func (c Command) ExpectStdout(assertions ...LineAssertion) Command {
	c = c.clone()
	c.stdout.assertions = append(c.stdout.assertions, assertions...)
	return c
}

// ExpectStderr adds line assertions for stderr and replaces the default
// "stderr is empty" expectation. It panics if stderr is redirected to stdout.
func (c Command) ExpectStderr(assertions ...LineAssertion) Command {
	c.requireOwnStderr("ExpectStderr")
	c = c.clone()
	c.stderrMode = stderrExpected
	c.stderr.assertions = append(c.stderr.assertions, assertions...)
	return c
}

// IgnoreStderr drains stderr without asserting anything about it.
func (c Command) IgnoreStderr() Command {
	return c.ExpectStderr()
}

// StderrToStdout merges stderr into stdout at the OS level. It panics if any
// stderr expectation was configured.
func (c Command) StderrToStdout() Command {
	if c.stderrMode == stderrExpected || c.stderr.bytes != nil ||
		c.stderr.encoding != nil || c.stderr.redirect != nil || c.stderr.redirectPath != "" {
		configPanic("cannot redirect stderr to stdout: stderr expectations are already configured")
	}
	c = c.clone()
	c.stderrMode = stderrMerged
	return c
}

// StdoutBytes asserts the number of raw bytes written to stdout.
func (c Command) StdoutBytes(b ByteCount) Command {
	c = c.clone()
	c.stdout.bytes = &b
	return c
}

// StderrBytes asserts the number of raw bytes written to stderr.
func (c Command) StderrBytes(b ByteCount) Command {
	c.requireOwnStderr("StderrBytes")
	c = c.clone()
	c.stderr.bytes = &b
	return c
}

// StdoutEncoding sets the encoding used to decode stdout into lines. The
// default is UTF-8. Redirection always copies raw bytes.
func (c Command) StdoutEncoding(enc encoding.Encoding) Command {
	c = c.clone()
	c.stdout.encoding = enc
	return c
}

// StderrEncoding sets the encoding used to decode stderr into lines.
func (c Command) StderrEncoding(enc encoding.Encoding) Command {
	c.requireOwnStderr("StderrEncoding")
	c = c.clone()
	c.stderr.encoding = enc
	return c
}

// RedirectStdout copies every raw stdout byte to w. The sink is owned by the
// caller and is not closed.
func (c Command) RedirectStdout(w io.Writer) Command {
	c = c.clone()
	c.stdout.redirect, c.stdout.redirectPath = w, ""
	return c
}

// RedirectStdoutToFile copies every raw stdout byte to the named file,
// created or truncated when the process starts.
func (c Command) RedirectStdoutToFile(path string) Command {
	c = c.clone()
	c.stdout.redirect, c.stdout.redirectPath = nil, path
	return c
}

// RedirectStderr copies every raw stderr byte to w, which is not closed.
func (c Command) RedirectStderr(w io.Writer) Command {
	c.requireOwnStderr("RedirectStderr")
	c = c.clone()
	c.stderr.redirect, c.stderr.redirectPath = w, ""
	return c
}

// RedirectStderrToFile copies every raw stderr byte to the named file.
func (c Command) RedirectStderrToFile(path string) Command {
	c.requireOwnStderr("RedirectStderrToFile")
	c = c.clone()
	c.stderr.redirect, c.stderr.redirectPath = nil, path
	return c
}

func (c Command) requireOwnStderr(op string) {
	if c.stderrMode == stderrMerged {
		configPanic("%s: stderr is redirected to stdout", op)
	}
}

// stderrSpec returns the effective stderr expectations.
func (c Command) stderrSpec() streamSpec {
	spec := c.stderr
	if c.stderrMode == stderrUnset {
		spec.assertions = []LineAssertion{DoesNotHaveAnyLines()}
	}
	return spec
}

func (c Command) acceptedExitCodes() exitCodes {
	if len(c.exitCodes) == 0 {
		return defaultExitCodes
	}
	return c.exitCodes
}

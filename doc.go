// Copyright 2024 The testscript Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package clitest provides fluent assertions for testing command-line
programs. A [Command] describes a process and what its run should look
like; running it spawns the process, drains stdout and stderr concurrently,
checks every line as it arrives and reports every violated expectation at
once.

	func TestGreet(t *testing.T) {
		clitest.New("greet", "--name", "world").
			ExpectStdout(
				clitest.HasLines("hello world"),
				clitest.DoesNotHaveLinesContaining("error"),
			).
			Test(t)
	}

# Defaults

A Command with no expectations accepts any stdout, fails if anything is
written to stderr and requires exit code 0. Use [Command.ExpectStderr],
[Command.IgnoreStderr] or [Command.StderrToStdout] to change the stderr
default and [Command.ExitCodeIsAnyOf] to accept other exit codes.

# Line assertions

Each stream is decoded into lines (UTF-8 unless [Command.StdoutEncoding]
says otherwise) and every line is fed to the stream's assertions in order:

	HasLines(lines...)                       every line appears, duplicates counted
	DoesNotHaveLines(lines...)               none of the lines appears
	HasLinesContaining(subs...)              each substring is in some line
	HasLinesContainingIgnoreCase(subs...)    same, ignoring case
	DoesNotHaveLinesContaining(subs...)      no line contains any substring
	HasLinesMatching(patterns...)            each regexp is found in some line
	DoesNotHaveLinesMatching(patterns...)    no line matches any regexp
	HasLineCount(n)                          exactly n lines
	DoesNotHaveAnyLines()                    the stream is empty
	LogLines(fn)                             forwards lines, never fails

Raw byte totals are checked with [Command.StdoutBytes] and
[Command.StderrBytes], and raw bytes can be copied to a writer or a file
with the Redirect methods.

# Processes

[Command.Start] returns a [Process] that can be waited for, with or
without a deadline, or killed. A wait that expires yields a [Result]
classified as a timeout: [Result.AssertTimeout] passes for it and
[Result.AssertSuccess] fails. Stdin can be fed from a string, a file or a
function; a function still writing when the process is killed sees errors
matching [ErrCancelled].

A failed run reports every problem in one error:

	clitest: command failed: greet --name world
	Exception 1/1: writing stdin from string (12 bytes): ...
	Failure 1/2: expected stdout to have lines ["hello world"] but 1 never matched:
	      "hello world"
	Failure 2/2: expected exit code 0 but was 3

# Scenarios

[RunScenarios] runs every .txtar file in a directory as a subtest. The
archive comment is a TOML header describing the command, and named
sections hold the input and expectations:

	exec = "greet"
	args = ["--name", "$USER"]
	exit-codes = [0, 1]
	timeout = "5s"
	-- stdin --
	some input
	-- stdout --
	hello
	-- stdout.absent --
	panic
	-- stderr.contains --
	warning
	-- config.json --
	{"extracted": "into the work directory"}

Recognized sections are stdin and, for both stdout and stderr, the plain
form (HasLines) and the .absent, .contains, .match and .count variants;
stderr.ignore drains stderr unchecked. Any other file is written to the
scenario's work directory, whose path is $WORK.

A scenario directory may hold a clitest.toml, a bin/ directory added to
PATH, and setup.sh and teardown.sh scripts run around the whole suite; see
[RunScenariosWithProject].

# Command-line Tool

The clitest command runs a single command with flag-driven expectations,
or a directory of scenarios:

	clitest run --line "hello world" --exit-code 0 -- greet --name world
	clitest scenario --verbose testdata/

Environment variables with the CLITEST_ prefix are also supported.

# Attribution

The scenario runner is inspired by the testscript package by Roger Peppe:
https://pkg.go.dev/github.com/rogpeppe/go-internal/testscript
*/
package clitest

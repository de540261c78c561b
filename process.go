package clitest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
)

// State is the lifecycle state of a Process.
type State int32

const (
	Starting State = iota
	Running
	Terminated
	TimedOut
	Killed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	case TimedOut:
		return "timed out"
	case Killed:
		return "killed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// closeGrace is how long Close waits after a graceful kill before forcing.
const closeGrace = 5 * time.Second

// Process is a running command. Its output streams are drained and checked
// concurrently from the moment it starts. A Process must be waited for or
// killed; Close does both and suits defer.
type Process struct {
	line    string
	cmd     *exec.Cmd
	logger  *log.Logger
	codes   exitCodes
	started time.Time

	stdout *streamConsumer
	stderr *streamConsumer // nil when stderr is merged into stdout
	stdin  *stdinProducer

	state  atomic.Int32
	killed atomic.Bool

	exited chan struct{}
	result *Result // written once before exited is closed
}

// Start spawns the command. It returns a *ConfigError, without spawning, if
// the command is not runnable as configured.
func (c Command) Start() (*Process, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	p := &Process{
		line:   c.String(),
		logger: c.log(),
		codes:  c.acceptedExitCodes(),
		exited: make(chan struct{}),
	}
	p.state.Store(int32(Starting))

	cmd := exec.Command(c.executable, c.args...)
	cmd.Dir = c.dir
	cmd.Env = c.environ()
	isolate(cmd)

	// Parent ends are closed on failure; child ends are closed once the child
	// holds its own copies.
	var parentEnds, childEnds []io.Closer
	fail := func(err error) (*Process, error) {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, err
	}

	fs := c.filesystem()
	stdoutSpec := c.stdout
	stderrSpec := c.stderrSpec()

	outR, outW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("stdout pipe: %w", err))
	}
	parentEnds, childEnds = append(parentEnds, outR), append(childEnds, outW)
	cmd.Stdout = outW

	var errR *os.File
	if c.stderrMode == stderrMerged {
		cmd.Stderr = outW
	} else {
		var errW *os.File
		errR, errW, err = os.Pipe()
		if err != nil {
			return fail(fmt.Errorf("stderr pipe: %w", err))
		}
		parentEnds, childEnds = append(parentEnds, errR), append(childEnds, errW)
		cmd.Stderr = errW
	}

	var inW *os.File
	if c.stdin != nil {
		var inR *os.File
		inR, inW, err = os.Pipe()
		if err != nil {
			return fail(fmt.Errorf("stdin pipe: %w", err))
		}
		parentEnds, childEnds = append(parentEnds, inW), append(childEnds, inR)
		cmd.Stdin = inR
	}

	stdoutSink, err := openRedirect(fs, stdoutSpec.redirectPath)
	if err != nil {
		return fail(err)
	}
	if stdoutSink != nil {
		parentEnds = append(parentEnds, stdoutSink)
	}
	var stderrSink io.WriteCloser
	if errR != nil {
		stderrSink, err = openRedirect(fs, stderrSpec.redirectPath)
		if err != nil {
			return fail(err)
		}
		if stderrSink != nil {
			parentEnds = append(parentEnds, stderrSink)
		}
	}

	p.started = time.Now()
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start %s: %w", p.line, err))
	}
	closeAll(childEnds)
	p.cmd = cmd
	p.state.Store(int32(Running))
	p.logger.Debug("process started", "cmd", p.line, "pid", cmd.Process.Pid)

	p.stdout = newStreamConsumer(Stdout, outR, stdoutSpec)
	if stdoutSink != nil {
		p.stdout.redirect, p.stdout.redirectClose = stdoutSink, stdoutSink
	}
	p.stdout.start()
	if errR != nil {
		p.stderr = newStreamConsumer(Stderr, errR, stderrSpec)
		if stderrSink != nil {
			p.stderr.redirect, p.stderr.redirectClose = stderrSink, stderrSink
		}
		p.stderr.start()
	}
	if inW != nil {
		p.stdin = newStdinProducer(c.stdin, fs, inW)
		p.stdin.start()
	}

	track(p)
	go p.waitLoop()
	return p, nil
}

func openRedirect(fs afero.Fs, path string) (io.WriteCloser, error) {
	if path == "" {
		return nil, nil
	}
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open redirect file: %w", err)
	}
	return f, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}

// waitLoop reaps the process, joins every worker, then evaluates all
// expectations. The Result is published only after both streams are fully
// drained.
func (p *Process) waitLoop() {
	waitErr := p.cmd.Wait()

	p.stdout.wait()
	if p.stderr != nil {
		p.stderr.wait()
	}
	if p.stdin != nil {
		p.stdin.wait()
	}
	duration := time.Since(p.started)

	exitCode := -1
	if p.cmd.ProcessState != nil {
		exitCode = p.cmd.ProcessState.ExitCode()
	}
	killed := p.killed.Load()

	f := &Failures{}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		f.Exception(fmt.Errorf("waiting for process: %w", waitErr))
	}
	if p.stdin != nil {
		p.stdin.evaluate(f)
	}
	p.stdout.evaluate(f)
	if p.stderr != nil {
		p.stderr.evaluate(f)
	}
	p.codes.evaluate(exitCode, killed, f)

	res := &Result{
		CommandLine: p.line,
		ExitCode:    exitCode,
		Duration:    duration,
		StdoutBytes: p.stdout.bytesRead(),
		Killed:      killed,
		err:         f.Err(p.line),
	}
	if p.stderr != nil {
		res.StderrBytes = p.stderr.bytesRead()
	}
	p.result = res

	if killed {
		p.state.Store(int32(Killed))
	} else {
		p.state.Store(int32(Terminated))
	}
	untrack(p)
	p.logger.Debug("process exited", "cmd", p.line, "code", exitCode, "duration", duration)
	close(p.exited)
}

// Wait blocks until the process exits and its output has been fully
// consumed, and returns the Result. It may be called any number of times.
func (p *Process) Wait() *Result {
	<-p.exited
	return p.result
}

// WaitTimeout waits at most d. If the process is still running when d
// elapses, the returned Result is classified as a timeout, carries exit code
// -1 and the bytes read so far, and the process is left running. A
// non-positive d waits without a deadline.
func (p *Process) WaitTimeout(d time.Duration) *Result {
	if d <= 0 {
		return p.Wait()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.exited:
		return p.result
	case <-timer.C:
	}
	select {
	case <-p.exited:
		return p.result
	default:
		return p.timedOut(&TimeoutError{After: d})
	}
}

// WaitContext waits until the process exits or ctx is done. A done context
// yields a timeout Result as in WaitTimeout.
func (p *Process) WaitContext(ctx context.Context) *Result {
	select {
	case <-p.exited:
		return p.result
	case <-ctx.Done():
	}
	select {
	case <-p.exited:
		return p.result
	default:
		return p.timedOut(&TimeoutError{Cause: ctx.Err()})
	}
}

func (p *Process) timedOut(terr *TimeoutError) *Result {
	p.state.CompareAndSwap(int32(Running), int32(TimedOut))
	p.logger.Debug("wait expired", "cmd", p.line, "err", terr)
	f := &Failures{}
	f.Exception(terr)
	res := &Result{
		CommandLine: p.line,
		ExitCode:    -1,
		Duration:    time.Since(p.started),
		StdoutBytes: p.stdout.bytesRead(),
		TimedOut:    true,
		Killed:      p.killed.Load(),
		err:         f.Err(p.line),
	}
	if p.stderr != nil {
		res.StderrBytes = p.stderr.bytesRead()
	}
	return res
}

// Kill cancels the stream workers and the stdin producer, then terminates the
// process and everything it spawned: with SIGTERM, or SIGKILL when forcibly
// is set. Only the first call has any effect; it is safe to call concurrently
// with Wait.
func (p *Process) Kill(forcibly bool) error {
	if !p.killed.CompareAndSwap(false, true) {
		return nil
	}
	p.stdout.cancel()
	if p.stderr != nil {
		p.stderr.cancel()
	}
	if p.stdin != nil {
		p.stdin.cancel()
	}
	select {
	case <-p.exited:
		return nil
	default:
	}
	p.logger.Debug("killing process", "cmd", p.line, "forcibly", forcibly)
	return p.signal(forcibly)
}

func (p *Process) signal(forcibly bool) error {
	return signalGroup(p.cmd, forcibly)
}

// Close kills the process if it is still running and waits for it, forcing
// the kill if it has not exited within a grace period.
func (p *Process) Close() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	err := p.Kill(false)
	select {
	case <-p.exited:
	case <-time.After(closeGrace):
		p.logger.Warn("process ignored SIGTERM, killing", "cmd", p.line)
		if kerr := p.signal(true); kerr != nil && err == nil {
			err = kerr
		}
		<-p.exited
	}
	return err
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// CommandLine returns the command line used in reports.
func (p *Process) CommandLine() string {
	return p.line
}

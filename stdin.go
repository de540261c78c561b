package clitest

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
)

// stdinSource produces the payload written to a process's stdin.
type stdinSource struct {
	desc  string
	write func(fs afero.Fs, w io.Writer) error
}

func stringSource(s string) *stdinSource {
	return &stdinSource{
		desc: fmt.Sprintf("string (%d bytes)", len(s)),
		write: func(_ afero.Fs, w io.Writer) error {
			_, err := io.Copy(w, strings.NewReader(s))
			return err
		},
	}
}

func fileSource(path string) *stdinSource {
	return &stdinSource{
		desc: "file " + path,
		write: func(fs afero.Fs, w io.Writer) error {
			f, err := fs.Open(path)
			if err != nil {
				return fmt.Errorf("open stdin file: %w", err)
			}
			defer f.Close()
			_, err = io.Copy(w, f)
			return err
		},
	}
}

func funcSource(fn func(w io.Writer) error) *stdinSource {
	return &stdinSource{
		desc: "writer func",
		write: func(_ afero.Fs, w io.Writer) error {
			return fn(w)
		},
	}
}

// stdinProducer runs a stdin source on its own goroutine and closes the
// process's stdin when the source returns.
type stdinProducer struct {
	src  *stdinSource
	fs   afero.Fs
	w    *cancelWriter
	done chan struct{}
	err  error
}

func newStdinProducer(src *stdinSource, fs afero.Fs, w io.WriteCloser) *stdinProducer {
	return &stdinProducer{
		src:  src,
		fs:   fs,
		w:    &cancelWriter{w: w},
		done: make(chan struct{}),
	}
}

func (p *stdinProducer) start() {
	go p.run()
}

func (p *stdinProducer) run() {
	defer close(p.done)
	err := p.src.write(p.fs, p.w)
	if cerr := p.w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		p.err = fmt.Errorf("writing stdin from %s: %w", p.src.desc, err)
	}
}

func (p *stdinProducer) cancel() {
	p.w.cancel()
}

func (p *stdinProducer) wait() {
	<-p.done
}

// evaluate must only be called after wait.
func (p *stdinProducer) evaluate(f *Failures) {
	f.Exception(p.err)
}

// cancelWriter wraps a process's stdin. After cancel, every write or close,
// including one that was blocked when cancel ran, fails with a
// *CancelledError instead of a generic I/O error.
type cancelWriter struct {
	w         io.WriteCloser
	cancelled atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (c *cancelWriter) Write(p []byte) (int, error) {
	if c.cancelled.Load() {
		return 0, &CancelledError{Op: "writing to"}
	}
	n, err := c.w.Write(p)
	if err != nil && c.cancelled.Load() {
		return n, &CancelledError{Op: "writing to"}
	}
	return n, err
}

// Flush lets callers that buffer through bufio observe cancellation too.
func (c *cancelWriter) Flush() error {
	if c.cancelled.Load() {
		return &CancelledError{Op: "flushing"}
	}
	return nil
}

func (c *cancelWriter) Close() error {
	if c.cancelled.Load() {
		c.closeUnderlying()
		return &CancelledError{Op: "closing"}
	}
	return c.closeUnderlying()
}

func (c *cancelWriter) closeUnderlying() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.w.Close()
	})
	return c.closeErr
}

// cancel marks the writer cancelled and closes the pipe so a blocked write
// returns promptly.
func (c *cancelWriter) cancel() {
	c.cancelled.Store(true)
	c.closeUnderlying()
}

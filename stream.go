package clitest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// errStopped ends a read loop after cancellation; it is never reported.
var errStopped = errors.New("stream consumer cancelled")

// streamSpec is the per-stream part of a Command's expectations.
type streamSpec struct {
	assertions   []LineAssertion
	bytes        *ByteCount
	encoding     encoding.Encoding
	redirect     io.Writer
	redirectPath string
}

func (s streamSpec) clone() streamSpec {
	s.assertions = append([]LineAssertion(nil), s.assertions...)
	return s
}

// streamConsumer drains one process output stream on its own goroutine.
//
// Fields written by run are read by evaluate only after done is closed.
type streamConsumer struct {
	stream   Stream
	src      io.Reader
	closer   io.Closer // closed once the stream is drained
	checkers []LineChecker
	bytes    *ByteCount
	decoder  *encoding.Decoder

	redirect      io.Writer
	redirectClose io.Closer // set only for sinks the consumer opened itself

	cancelled atomic.Bool
	count     atomic.Int64
	done      chan struct{}

	err         error
	redirectErr error
}

func newStreamConsumer(stream Stream, src io.Reader, spec streamSpec) *streamConsumer {
	c := &streamConsumer{
		stream:   stream,
		src:      src,
		bytes:    spec.bytes,
		redirect: spec.redirect,
		done:     make(chan struct{}),
	}
	if closer, ok := src.(io.Closer); ok {
		c.closer = closer
	}
	for _, a := range spec.assertions {
		c.checkers = append(c.checkers, a.Begin())
	}
	if spec.encoding != nil {
		c.decoder = spec.encoding.NewDecoder()
	}
	return c
}

func (c *streamConsumer) start() {
	go c.run()
}

// deadliner is implemented by pollable pipe ends such as *os.File.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// cancel stops the consumer. A read already blocked on the source is woken
// through its read deadline, or by closing the source when deadlines are not
// supported; otherwise the consumer stops before its next read.
func (c *streamConsumer) cancel() {
	c.cancelled.Store(true)
	if d, ok := c.src.(deadliner); ok {
		if err := d.SetReadDeadline(time.Now()); err == nil {
			return
		}
	}
	if c.closer != nil {
		c.closer.Close()
	}
}

// wait blocks until the consumer goroutine has finished.
func (c *streamConsumer) wait() {
	<-c.done
}

// bytesRead may be called at any time.
func (c *streamConsumer) bytesRead() int64 {
	return c.count.Load()
}

func (c *streamConsumer) run() {
	defer close(c.done)
	defer c.release()

	src := &consumerReader{c: c}
	if len(c.checkers) == 0 {
		_, err := io.Copy(io.Discard, src)
		c.finish(err)
		return
	}

	var text io.Reader = src
	if c.decoder != nil {
		text = transform.NewReader(src, c.decoder)
	}
	br := bufio.NewReader(text)
	for {
		line, err := br.ReadString('\n')
		if err == nil || (errors.Is(err, io.EOF) && line != "") {
			line = strings.TrimSuffix(line, "\n")
			c.deliver(strings.TrimSuffix(line, "\r"))
		}
		if err != nil {
			c.finish(err)
			return
		}
	}
}

func (c *streamConsumer) deliver(line string) {
	defer func() {
		if r := recover(); r != nil && c.err == nil {
			c.err = fmt.Errorf("%s line assertion panicked: %v", c.stream, r)
		}
	}()
	for _, ch := range c.checkers {
		ch.Line(line)
	}
}

func (c *streamConsumer) finish(err error) {
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, errStopped):
	case c.cancelled.Load():
		// Expired deadlines and closed pipes after a kill are expected.
	default:
		if c.err == nil {
			c.err = fmt.Errorf("reading %s: %w", c.stream, err)
		}
	}
}

func (c *streamConsumer) tee(p []byte) {
	if c.redirect == nil || c.redirectErr != nil {
		return
	}
	if _, err := c.redirect.Write(p); err != nil {
		c.redirectErr = fmt.Errorf("redirecting %s: %w", c.stream, err)
	}
}

func (c *streamConsumer) release() {
	if c.redirectClose != nil {
		if err := c.redirectClose.Close(); err != nil && c.redirectErr == nil {
			c.redirectErr = fmt.Errorf("closing %s redirect: %w", c.stream, err)
		}
	}
	if c.closer != nil {
		c.closer.Close()
	}
}

// evaluate records the consumer's exceptions and runs every assertion on
// what was read. It must only be called after wait.
func (c *streamConsumer) evaluate(f *Failures) {
	f.Exception(c.err)
	f.Exception(c.redirectErr)
	for _, ch := range c.checkers {
		ch.Evaluate(c.stream, f)
	}
	if c.bytes != nil {
		c.bytes.evaluate(c.stream, c.count.Load(), f)
	}
}

// consumerReader counts and redirects raw bytes before anything decodes them.
type consumerReader struct {
	c *streamConsumer
}

func (r *consumerReader) Read(p []byte) (int, error) {
	if r.c.cancelled.Load() {
		return 0, errStopped
	}
	n, err := r.c.src.Read(p)
	if n > 0 {
		r.c.count.Add(int64(n))
		r.c.tee(p[:n])
	}
	return n, err
}

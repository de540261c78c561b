package clitest

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// produce runs a producer into a pipe and returns everything read from it.
func produce(t *testing.T, src *stdinSource, fs afero.Fs) (*stdinProducer, string) {
	t.Helper()
	pr, pw := io.Pipe()
	p := newStdinProducer(src, fs, pw)
	p.start()
	data, err := io.ReadAll(pr)
	require.NoError(t, err)
	p.wait()
	return p, string(data)
}

func TestStdinProducer_String(t *testing.T) {
	p, got := produce(t, stringSource("héllo\nworld\n"), nil)
	assert.Equal(t, "héllo\nworld\n", got)

	f := &Failures{}
	p.evaluate(f)
	assert.True(t, f.Empty())
}

func TestStdinProducer_File(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/input.bin", []byte{0, 1, 2, 0xff}, 0o644))

	_, got := produce(t, fileSource("/input.bin"), fs)
	assert.Equal(t, string([]byte{0, 1, 2, 0xff}), got)
}

func TestStdinProducer_MissingFile(t *testing.T) {
	p, got := produce(t, fileSource("/missing"), afero.NewMemMapFs())
	assert.Empty(t, got)

	f := &Failures{}
	p.evaluate(f)
	err := f.Err("x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "writing stdin from file /missing: open stdin file")
}

func TestStdinProducer_FuncError(t *testing.T) {
	boom := errors.New("boom")
	p, got := produce(t, funcSource(func(w io.Writer) error {
		io.WriteString(w, "partial")
		return boom
	}), nil)
	assert.Equal(t, "partial", got, "stdin is closed even when the source fails")

	f := &Failures{}
	p.evaluate(f)
	assert.ErrorIs(t, f.Err("x"), boom)
}

func TestCancelWriter_BlockedWrite(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	w := &cancelWriter{w: pw}

	errc := make(chan error, 1)
	go func() {
		// Nobody reads, so this blocks until cancel closes the pipe.
		_, err := w.Write([]byte("stuck"))
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	w.cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrCancelled)
		var cerr *CancelledError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "writing to", cerr.Op)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked write did not return after cancel")
	}

	_, err := w.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, w.Flush(), ErrCancelled)
	assert.ErrorIs(t, w.Close(), ErrCancelled)
}

func TestCancelWriter_BufferedFlush(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	w := &cancelWriter{w: pw}
	w.cancel()

	bw := bufio.NewWriter(w)
	bw.WriteString(strings.Repeat("x", 10))
	assert.ErrorIs(t, bw.Flush(), ErrCancelled)
}

func TestCancelWriter_CloseOnce(t *testing.T) {
	pr, pw := io.Pipe()
	w := &cancelWriter{w: pw}

	go io.ReadAll(pr)
	_, err := w.Write([]byte("ok"))
	require.NoError(t, err)
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

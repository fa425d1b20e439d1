package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}

func TestCaptureBounded(t *testing.T) {
	c := newCapture(5)
	n, err := c.Write([]byte("abc"))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	n, _ = c.Write([]byte("defg"))
	assert.Equal(t, 4, n, "capture always consumes the whole write")
	_, _ = c.Write([]byte("h"))

	out, truncated := c.result()
	assert.Equal(t, "abcde", string(out))
	assert.True(t, truncated)

	assert.Nil(t, newCapture(0))
	out, truncated = (*capture)(nil).result()
	assert.Nil(t, out)
	assert.False(t, truncated)
}

type failingWriter struct{ err error }

func (f failingWriter) Write([]byte) (int, error) { return 0, f.err }

func TestDrainingKeepsConsuming(t *testing.T) {
	boom := errors.New("disk full")
	var errs firstError
	d := draining{w: failingWriter{err: boom}, stream: "stdout", log: slog.New(slog.NewTextHandler(io.Discard, nil)), errs: &errs}

	for i := 0; i < 3; i++ {
		n, err := d.Write([]byte("data"))
		assert.NoError(t, err)
		assert.Equal(t, 4, n)
	}
	assert.ErrorIs(t, errs.get(), boom)
	assert.False(t, errs.set(errors.New("later")))
}

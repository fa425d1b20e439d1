package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// maxLineBytes bounds a pending partial line; longer lines are emitted in pieces.
const maxLineBytes = 64 * 1024

// LineWriter turns a byte stream into one structured log record per line.
type LineWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	level  slog.Level
	task   string
	stream string
	buf    []byte
}

// NewLineWriter returns a sink that logs each line of task output at level.
func NewLineWriter(l *slog.Logger, level slog.Level, task, stream string) *LineWriter {
	if l == nil {
		l = slog.Default()
	}
	return &LineWriter{logger: l, level: level, task: task, stream: stream}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLineBytes {
		w.emit(w.buf[:maxLineBytes])
		w.buf = w.buf[maxLineBytes:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any pending partial line.
func (w *LineWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
	return nil
}

// Close flushes the pending partial line.
func (w *LineWriter) Close() error { return w.Flush() }

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	w.logger.Log(context.Background(), w.level, "task output",
		"name", w.task, "stream", w.stream, "line", string(line))
}

// Console mirrors task output to one of the agent's own std streams. Close
// never closes the underlying writer.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole wraps w, typically os.Stdout or os.Stderr.
func NewConsole(w io.Writer) *Console { return &Console{w: w} }

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}

// Flush is a no-op; writes go straight through.
func (c *Console) Flush() error { return nil }

func (c *Console) Close() error { return nil }

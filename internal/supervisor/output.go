package supervisor

import (
	"bytes"
	"io"
	"log/slog"
	"sync"

	"github.com/loykin/idlewatch/internal/logger"
	"github.com/loykin/idlewatch/internal/metrics"
)

// capture keeps the first limit bytes of interleaved output.
type capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCapture(limit int) *capture {
	if limit <= 0 {
		return nil
	}
	return &capture{limit: limit}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - c.buf.Len()
	if len(p) > room {
		c.truncated = true
		if room > 0 {
			c.buf.Write(p[:room])
		}
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capture) result() ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes()), c.truncated
}

type firstError struct {
	mu  sync.Mutex
	err error
}

// set stores err if it is the first one and reports whether it was.
func (f *firstError) set(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false
	}
	f.err = err
	return true
}

func (f *firstError) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// draining sits between the process pipe and its relay. A sink failure is
// recorded and logged once, and the bytes still count as consumed so the
// child never blocks on a pipe nobody reads.
type draining struct {
	w      io.Writer
	stream string
	log    *slog.Logger
	errs   *firstError
}

func (d draining) Write(p []byte) (int, error) {
	if _, err := d.w.Write(p); err != nil && d.errs.set(err) {
		d.log.Warn("output sink failed", "stream", d.stream, "error", err)
	}
	return len(p), nil
}

// sinks assembles the destinations for both streams of the task called name.
func (s *Supervisor) sinks(name string, c *capture) (stdout, stderr []io.Writer, err error) {
	if s.cfg.Console {
		stdout = append(stdout, logger.NewConsole(s.cfg.Stdout))
		stderr = append(stderr, logger.NewConsole(s.cfg.Stderr))
	}
	if s.cfg.StructuredOutput {
		stdout = append(stdout, logger.NewLineWriter(s.log, slog.LevelInfo, name, "stdout"))
		stderr = append(stderr, logger.NewLineWriter(s.log, slog.LevelInfo, name, "stderr"))
	}
	fo, fe, err := s.cfg.Files.Writers(name)
	if err != nil {
		return nil, nil, err
	}
	if fo != nil {
		stdout = append(stdout, fo)
	}
	if fe != nil {
		stderr = append(stderr, fe)
	}
	stdout = append(stdout, metrics.NewOutputCounter(name, "stdout"))
	stderr = append(stderr, metrics.NewOutputCounter(name, "stderr"))
	if c != nil {
		stdout = append(stdout, c)
		stderr = append(stderr, c)
	}
	return stdout, stderr, nil
}

// Package relay fans a byte stream out to several sinks and reports each call
// as activity.
package relay

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// ActivityRecorder receives one signal per relayed call.
type ActivityRecorder interface {
	RecordActivity()
}

// Flusher is implemented by sinks that buffer.
type Flusher interface {
	Flush() error
}

// Relay forwards Write, Flush and Close to every sink in order. Sinks are not
// owned by the relay: Close is forwarded but their lifetime is the caller's.
// Every call records exactly one activity signal, whether or not a sink failed.
type Relay struct {
	mu      sync.Mutex
	sinks   []io.Writer
	monitor ActivityRecorder
	closed  bool
}

// New returns a relay bound to m. Nil sinks are skipped.
func New(m ActivityRecorder, sinks ...io.Writer) *Relay {
	r := &Relay{monitor: m}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Write sends p to every sink. All sinks are attempted; the first failure is
// returned along with the byte count reported by the failing sink.
func (r *Relay) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, fmt.Errorf("relay write: %w", os.ErrClosed)
	}
	defer r.signal()

	n := len(p)
	var firstErr error
	for _, s := range r.sinks {
		w, err := s.Write(p)
		if err == nil && w != len(p) {
			err = io.ErrShortWrite
		}
		if err != nil && firstErr == nil {
			firstErr = err
			n = w
		}
	}
	return n, firstErr
}

// Flush flushes every sink that supports it.
func (r *Relay) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	defer r.signal()
	return r.each(func(s io.Writer) error {
		if f, ok := s.(Flusher); ok {
			return f.Flush()
		}
		return nil
	})
}

// Close closes every sink that implements io.Closer, records a final activity
// signal and releases the monitor. It does not stop the monitor. Subsequent
// calls are no-ops.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.each(func(s io.Writer) error {
		if c, ok := s.(io.Closer); ok {
			return c.Close()
		}
		return nil
	})
	r.signal()
	r.monitor = nil
	return err
}

func (r *Relay) each(fn func(io.Writer) error) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := fn(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Relay) signal() {
	if r.monitor != nil {
		r.monitor.RecordActivity()
	}
}

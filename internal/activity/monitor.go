// Package activity watches a stream of activity signals and reports idle windows.
//
// A Monitor owns one background watcher goroutine. The watcher sleeps until
// the most recent activity plus the timeout; if no newer activity arrived by
// then it invokes the idle callback and starts a new window from that moment.
// Activity is a single atomically updated timestamp, so bursts of writes cost
// nothing beyond a store.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// IdleFunc is invoked once per idle window. The context is cancelled when the
// monitor is stopped.
type IdleFunc func(ctx context.Context) error

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used to report callback failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithName labels log records and metrics emitted by the monitor.
func WithName(name string) Option {
	return func(m *Monitor) { m.name = name }
}

// WithFailureHook is called after the idle callback returned an error or panicked.
func WithFailureHook(fn func(err error)) Option {
	return func(m *Monitor) { m.onFailure = fn }
}

// Monitor fires an IdleFunc whenever no activity has been recorded for timeout.
type Monitor struct {
	name      string
	timeout   time.Duration
	onIdle    IdleFunc
	onFailure func(err error)
	logger    *slog.Logger

	base  time.Time    // monotonic reference for last
	last  atomic.Int64 // nanoseconds since base of the most recent activity
	fires atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a monitor and starts its watcher immediately. The first idle
// window is anchored at the call to New. A non-positive timeout is rejected
// with a panic since it would fire continuously.
func New(timeout time.Duration, onIdle IdleFunc, opts ...Option) *Monitor {
	if timeout <= 0 {
		panic(fmt.Sprintf("activity: non-positive timeout %s", timeout))
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		name:    "idle",
		base:    time.Now(),
		timeout: timeout,
		onIdle:  onIdle,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.watch()
	return m
}

// RecordActivity resets the idle window. Safe for concurrent use; calls after
// Stop are ignored by the watcher.
func (m *Monitor) RecordActivity() {
	now := int64(time.Since(m.base))
	for {
		prev := m.last.Load()
		if now <= prev {
			return
		}
		if m.last.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastActivity returns the time of the most recent activity (or creation).
func (m *Monitor) LastActivity() time.Time { return m.base.Add(time.Duration(m.last.Load())) }

// Fires returns how many times the idle callback has been invoked.
func (m *Monitor) Fires() int64 { return m.fires.Load() }

// Timeout returns the configured idle window.
func (m *Monitor) Timeout() time.Duration { return m.timeout }

// Stop halts the watcher and waits for it to exit. An in-flight callback
// observes a cancelled context and is allowed to finish; no callback starts
// after Stop returns. Stop must not be called from within the idle callback.
func (m *Monitor) Stop() {
	m.stopOnce.Do(m.cancel)
	<-m.done
}

// Done is closed once the watcher has exited.
func (m *Monitor) Done() <-chan struct{} { return m.done }

func (m *Monitor) watch() {
	defer close(m.done)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	anchor := m.last.Load()
	for {
		if last := m.last.Load(); last > anchor {
			anchor = last
		}
		wait := time.Duration(anchor) + m.timeout - time.Since(m.base)
		if wait > 0 {
			resetTimer(timer, wait)
			select {
			case <-m.ctx.Done():
				return
			case <-timer.C:
			}
			continue
		}
		if m.ctx.Err() != nil {
			return
		}
		m.fire()
		anchor = int64(time.Since(m.base))
	}
}

func (m *Monitor) fire() {
	m.fires.Add(1)
	if m.onIdle == nil {
		return
	}
	if err := m.invoke(); err != nil {
		m.logger.Error("idle callback failed", "name", m.name, "error", err)
		if m.onFailure != nil {
			m.onFailure(err)
		}
	}
}

func (m *Monitor) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("idle callback panicked: %v", r)
		}
	}()
	return m.onIdle(m.ctx)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

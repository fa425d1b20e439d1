// Package history exports supervised-run events to external systems.
package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of run event.
type EventType string

const (
	EventRunStarted  EventType = "run_started"
	EventIdleTimeout EventType = "idle_timeout"
	EventEscalation  EventType = "escalation"
	EventRunFinished EventType = "run_finished"
)

// Record describes one supervised run at the time of an event. Fields that
// are not known yet (exit code before the run finished) keep their zero value.
type Record struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Command    string    `json:"command"`
	Outcome    string    `json:"outcome,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Signal     string    `json:"signal,omitempty"`
	IdleFires  int64     `json:"idle_fires"`
	Stage      string    `json:"stage,omitempty"` // escalation stage
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Event is a run event to be exported.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

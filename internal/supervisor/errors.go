package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrWaitInterrupted is returned when a blocking wait ended because its
	// context was cancelled rather than because its bound elapsed.
	ErrWaitInterrupted = errors.New("wait interrupted")
	// ErrEscalationFailed matches every *EscalationError.
	ErrEscalationFailed = errors.New("escalation failed")
)

// EscalationError reports a process that outlived both kill stages.
type EscalationError struct {
	Name         string
	PID          int
	GracefulWait time.Duration
	ForcefulWait time.Duration
	Err          error // last termination request error, if any
}

func (e *EscalationError) Error() string {
	msg := fmt.Sprintf("process %q (pid %d) still running after graceful wait %s and forceful wait %s",
		e.Name, e.PID, e.GracefulWait, e.ForcefulWait)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EscalationError) Is(target error) bool { return target == ErrEscalationFailed }

func (e *EscalationError) Unwrap() error { return e.Err }

func interrupted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrWaitInterrupted, ctx.Err())
}

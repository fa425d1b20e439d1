package supervisor

import (
	"time"

	"github.com/loykin/idlewatch/internal/process"
)

// Outcome is how a supervised run ended.
type Outcome string

const (
	// OutcomeExited: the process ended on its own; Exit holds its status.
	OutcomeExited Outcome = "exited"
	// OutcomeIdleTerminated: the process went quiet and was terminated.
	OutcomeIdleTerminated Outcome = "idle_terminated"
	// OutcomeCancelled: the caller's context ended the run.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeEscalationFailed: the process survived both kill stages.
	OutcomeEscalationFailed Outcome = "escalation_failed"
	// OutcomeStartFailed: the process never started.
	OutcomeStartFailed Outcome = "start_failed"
)

// Result describes a finished run.
type Result struct {
	Name       string             `json:"name"`
	PID        int                `json:"pid"`
	Outcome    Outcome            `json:"outcome"`
	Exit       process.ExitStatus `json:"exit"`
	IdleFires  int64              `json:"idle_fires"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`

	// Output holds interleaved stdout and stderr when capture is enabled.
	Output          []byte `json:"-"`
	OutputTruncated bool   `json:"output_truncated,omitempty"`
	// OutputErr is the first error raised by an output sink. Output kept
	// flowing to the remaining sinks.
	OutputErr error `json:"-"`
}

func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

package supervisor

import (
	"context"
	"time"

	"github.com/loykin/idlewatch/internal/history"
	"github.com/loykin/idlewatch/internal/metrics"
	"github.com/loykin/idlewatch/internal/process"
)

// Escalation stages as reported to metrics and history.
const (
	StageGraceful = "graceful"
	StageForceful = "forceful"
	StageFailed   = "failed"
)

const (
	reasonIdle      = "idle"
	reasonCancelled = "cancelled"
	reasonManual    = "manual"
)

// Escalate terminates p gracefully, waits up to GracefulWait, then kills it
// and waits up to ForcefulWait. Liveness is rechecked right before each stage,
// so a process that already exited is a successful no-op. A process that
// survives both stages yields an *EscalationError; a cancelled ctx yields
// ErrWaitInterrupted.
func (s *Supervisor) Escalate(ctx context.Context, p *process.Process) error {
	_, err := s.escalate(ctx, p, nil, reasonManual)
	return err
}

// escalate reports whether a termination request was sent.
func (s *Supervisor) escalate(ctx context.Context, p *process.Process, r *run, reason string) (bool, error) {
	name := p.Spec().DisplayName()
	log := s.log.With("name", name, "pid", p.PID(), "reason", reason)

	if p.LeaderExited() {
		// the exit is the task's own; only clean up what it left behind
		if s.term.IsAlive(p) {
			log.Info("task exited, killing remaining group members")
			if err := s.term.TerminateForcefully(p); err != nil {
				log.Warn("killing remaining group members failed", "error", err)
			}
		}
		return false, nil
	}
	if !s.term.IsAlive(p) {
		log.Debug("escalation skipped, process not running")
		return false, nil
	}
	log.Info("terminating gracefully", "graceful_wait", s.policy.GracefulWait)
	s.stage(p, r, StageGraceful, nil)
	if err := s.term.TerminateGracefully(p); err != nil {
		log.Warn("graceful termination request failed", "error", err)
	}
	gone, err := s.waitGone(ctx, p, s.policy.GracefulWait)
	if err != nil || gone {
		return true, err
	}

	if !s.term.IsAlive(p) {
		return true, nil
	}
	log.Warn("process ignored graceful termination, killing", "forceful_wait", s.policy.ForcefulWait)
	s.stage(p, r, StageForceful, nil)
	killErr := s.term.TerminateForcefully(p)
	if killErr != nil {
		log.Error("forceful termination request failed", "error", killErr)
	}
	gone, err = s.waitGone(ctx, p, s.policy.ForcefulWait)
	if err != nil || gone {
		return true, err
	}

	ee := &EscalationError{
		Name:         name,
		PID:          p.PID(),
		GracefulWait: s.policy.GracefulWait,
		ForcefulWait: s.policy.ForcefulWait,
		Err:          killErr,
	}
	log.Error("process survived escalation", "error", ee)
	s.stage(p, r, StageFailed, ee)
	return true, ee
}

// waitGone polls liveness until the process tree is gone, d elapsed or ctx
// is done.
func (s *Supervisor) waitGone(ctx context.Context, p *process.Process, d time.Duration) (bool, error) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(s.policy.PollInterval)
	defer tick.Stop()

	reaped := p.Done()
	for {
		if !s.term.IsAlive(p) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, interrupted(ctx)
		case <-deadline.C:
			return !s.term.IsAlive(p), nil
		case <-reaped:
			// leader reaped; recheck the group at once
			reaped = nil
		case <-tick.C:
		}
	}
}

func (s *Supervisor) stage(p *process.Process, r *run, stage string, err error) {
	name := p.Spec().DisplayName()
	metrics.IncEscalation(name, stage)
	var rec history.Record
	if r != nil {
		rec = r.record()
	} else {
		rec = recordOf(p)
	}
	rec.Stage = stage
	if err != nil {
		rec.Error = err.Error()
	}
	s.emit(history.EventEscalation, rec)
}

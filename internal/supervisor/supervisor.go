// Package supervisor runs a child process under an idle-output watchdog.
//
// Both output streams of the child pass through relays that feed one shared
// activity monitor. When neither stream produced output for the idle timeout
// the supervisor escalates: a graceful termination of the process group, a
// bounded wait, a forceful kill and a second bounded wait. A run ends with
// one of the outcomes in Result; an escalation that could not end the process
// is returned as *EscalationError and never folded into an exit status.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/idlewatch/internal/activity"
	"github.com/loykin/idlewatch/internal/history"
	"github.com/loykin/idlewatch/internal/logger"
	"github.com/loykin/idlewatch/internal/metrics"
	"github.com/loykin/idlewatch/internal/process"
	"github.com/loykin/idlewatch/internal/relay"
)

const historyTimeout = 5 * time.Second

// Config wires a Supervisor. The zero value is usable: default policy,
// slog.Default, the platform terminator, no mirroring and no history.
type Config struct {
	Policy     Policy
	Logger     *slog.Logger
	Terminator process.Terminator
	History    history.Sink

	// Console mirrors child stdout/stderr to Stdout/Stderr (os.Stdout and
	// os.Stderr when nil).
	Console bool
	Stdout  io.Writer
	Stderr  io.Writer
	// StructuredOutput logs each output line through Logger.
	StructuredOutput bool
	// Files captures each stream in rotating files when a path or dir is set.
	Files logger.FileConfig
	// CaptureLimit keeps up to this many bytes of output in Result.Output.
	CaptureLimit int
	// UsageInterval samples child CPU and RSS; zero disables sampling.
	UsageInterval time.Duration
	// KeepFinished bounds the finished runs reported by Runs.
	KeepFinished int
}

// Supervisor runs processes. It is safe for concurrent use; each Run call
// supervises one process.
type Supervisor struct {
	cfg    Config
	policy Policy
	log    *slog.Logger
	term   process.Terminator

	mu       sync.Mutex
	seq      uint64
	active   map[uint64]*run
	finished []*run
}

func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Terminator == nil {
		cfg.Terminator = process.NewTerminator()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.KeepFinished <= 0 {
		cfg.KeepFinished = DefaultKeepFinished
	}
	cfg.Policy = cfg.Policy.withDefaults()
	return &Supervisor{
		cfg:    cfg,
		policy: cfg.Policy,
		log:    cfg.Logger,
		term:   cfg.Terminator,
		active: make(map[uint64]*run),
	}
}

// Policy returns the effective policy.
func (s *Supervisor) Policy() Policy { return s.policy }

// RunOption adjusts a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	idleTimeout time.Duration
}

// WithIdleTimeout overrides the idle timeout for one run.
func WithIdleTimeout(d time.Duration) RunOption {
	return func(o *runOptions) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

// Run starts spec and blocks until the process exited, was terminated for
// inactivity, survived escalation, or ctx was cancelled.
//
// A non-zero exit is not an error: the returned error is nil for
// OutcomeExited and OutcomeIdleTerminated, wraps ErrWaitInterrupted for
// OutcomeCancelled and is an *EscalationError for OutcomeEscalationFailed.
func (s *Supervisor) Run(ctx context.Context, spec process.Spec, opts ...RunOption) (Result, error) {
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}
	o := runOptions{idleTimeout: s.policy.IdleTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	name := spec.DisplayName()
	if err := ctx.Err(); err != nil {
		return Result{Name: name, Outcome: OutcomeCancelled}, interrupted(ctx)
	}
	log := s.log.With("name", name)

	p := process.New(spec)
	p.SetWaitDelay(s.policy.WaitDelay)
	r := s.track(p, o.idleTimeout)

	c := newCapture(s.cfg.CaptureLimit)
	outSinks, errSinks, err := s.sinks(name, c)
	if err != nil {
		s.retire(r, OutcomeStartFailed)
		return Result{Name: name, Outcome: OutcomeStartFailed}, fmt.Errorf("output sinks for %q: %w", name, err)
	}

	escFailed := make(chan error, 1)
	mon := activity.New(o.idleTimeout,
		func(ictx context.Context) error { return s.onIdle(ictx, r, escFailed) },
		activity.WithLogger(log),
		activity.WithName(name),
		activity.WithFailureHook(func(error) { metrics.IncCallbackFailure(name) }),
	)
	r.mon.Store(mon)
	stdout := relay.New(mon, outSinks...)
	stderr := relay.New(mon, errSinks...)
	var sinkErr firstError

	if err := p.Start(
		draining{w: stdout, stream: "stdout", log: log, errs: &sinkErr},
		draining{w: stderr, stream: "stderr", log: log, errs: &sinkErr},
	); err != nil {
		mon.Stop()
		_ = stdout.Close()
		_ = stderr.Close()
		log.Error("task failed to start", "error", err)
		s.retire(r, OutcomeStartFailed)
		rec := r.record()
		rec.Outcome = string(OutcomeStartFailed)
		rec.Error = err.Error()
		rec.FinishedAt = time.Now()
		s.emit(history.EventRunFinished, rec)
		metrics.IncRun(name, string(OutcomeStartFailed))
		return Result{Name: name, Outcome: OutcomeStartFailed}, err
	}
	// the idle window starts with the process, not with the monitor
	mon.RecordActivity()

	pid := p.PID()
	log.Info("task started", "pid", pid, "command", spec.CommandLine(), "idle_timeout", o.idleTimeout)
	metrics.SetRunning(name, true)
	s.emit(history.EventRunStarted, r.record())
	stopUsage := s.sampleUsage(r)

	var escErr error
	cancelled := false
	select {
	case <-p.Done():
	case escErr = <-escFailed:
	case <-ctx.Done():
		cancelled = true
		log.Warn("run cancelled, terminating", "pid", pid, "error", ctx.Err())
		escErr = r.escalate(context.WithoutCancel(ctx), s, reasonCancelled)
		if escErr == nil {
			<-p.Done()
		}
	}
	if escErr == nil {
		r.awaitEscalation()
	}
	mon.Stop()
	stopUsage()

	var exit process.ExitStatus
	if p.Exited() {
		var waitErr error
		exit, waitErr = p.Wait()
		if waitErr != nil {
			log.Warn("output not fully drained", "pid", pid, "error", waitErr)
		}
	}
	if err := errors.Join(stdout.Close(), stderr.Close()); err != nil {
		sinkErr.set(err)
		log.Warn("closing output sinks failed", "error", err)
	}

	res := Result{
		Name:       name,
		PID:        pid,
		Exit:       exit,
		IdleFires:  r.idleFires.Load(),
		StartedAt:  p.Snapshot().StartedAt,
		FinishedAt: time.Now(),
		OutputErr:  sinkErr.get(),
	}
	res.Output, res.OutputTruncated = c.result()

	var runErr error
	switch {
	case escErr != nil:
		res.Outcome = OutcomeEscalationFailed
		runErr = escErr
	case cancelled:
		res.Outcome = OutcomeCancelled
		runErr = interrupted(ctx)
	case r.idleSignalled.Load():
		res.Outcome = OutcomeIdleTerminated
	default:
		res.Outcome = OutcomeExited
	}
	s.finish(r, res, runErr, log)
	return res, runErr
}

func (s *Supervisor) finish(r *run, res Result, runErr error, log *slog.Logger) {
	s.retire(r, res.Outcome)
	metrics.SetRunning(res.Name, false)
	metrics.IncRun(res.Name, string(res.Outcome))
	metrics.ObserveRunDuration(res.Name, res.Duration().Seconds())

	rec := r.record()
	rec.Outcome = string(res.Outcome)
	rec.ExitCode = res.Exit.Code
	rec.Signal = res.Exit.Signal
	rec.FinishedAt = res.FinishedAt
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	s.emit(history.EventRunFinished, rec)

	attrs := []any{
		"pid", res.PID,
		"outcome", res.Outcome,
		"exit_code", res.Exit.Code,
		"duration", res.Duration().Round(time.Millisecond),
		"idle_fires", res.IdleFires,
	}
	if res.Exit.Signaled {
		attrs = append(attrs, "signal", res.Exit.Signal)
	}
	switch res.Outcome {
	case OutcomeExited:
		log.Info("task finished", attrs...)
	case OutcomeEscalationFailed:
		log.Error("task finished", append(attrs, "error", runErr)...)
	default:
		log.Warn("task finished", attrs...)
	}
}

// onIdle runs on the monitor goroutine once per idle window. Escalation
// errors reach Run through escFailed and are already logged, so they are not
// callback failures.
func (s *Supervisor) onIdle(ctx context.Context, r *run, escFailed chan<- error) error {
	if r.p.Exited() {
		return nil
	}
	if r.p.LeaderExited() {
		// silent leftovers keep the pipes open; not an idle termination
		_ = r.escalate(ctx, s, reasonIdle)
		return nil
	}
	name := r.p.Spec().DisplayName()
	fires := r.idleFires.Add(1)
	metrics.IncIdleTimeout(name)
	s.log.Warn("no output within idle timeout, terminating",
		"name", name, "pid", r.p.PID(), "idle_timeout", r.idleTimeout, "idle_fires", fires)
	s.emit(history.EventIdleTimeout, r.record())

	err := r.escalate(ctx, s, reasonIdle)
	if errors.Is(err, ErrEscalationFailed) {
		select {
		case escFailed <- err:
		default:
		}
	}
	return nil
}

// emit sends a history event; failures are logged and otherwise ignored.
func (s *Supervisor) emit(t history.EventType, rec history.Record) {
	if s.cfg.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	e := history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
	if err := s.cfg.History.Send(ctx, e); err != nil {
		s.log.Warn("history send failed", "name", rec.Name, "event", t, "error", err)
	}
}

// sampleUsage polls child CPU and memory until the returned stop is called
// or the process exits.
func (s *Supervisor) sampleUsage(r *run) (stop func()) {
	if s.cfg.UsageInterval <= 0 {
		return func() {}
	}
	name := r.p.Spec().DisplayName()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(s.cfg.UsageInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-r.p.Done():
				return
			case <-t.C:
				u, err := process.SampleUsage(r.p.PID())
				if err != nil {
					continue
				}
				r.setUsage(u)
				metrics.SetUsage(name, u.CPUPercent, u.RSSBytes)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

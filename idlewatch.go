// Package idlewatch runs child processes and terminates them once they stop
// producing output. It re-exports the supervisor for embedding.
package idlewatch

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/idlewatch/internal/config"
	"github.com/loykin/idlewatch/internal/history"
	"github.com/loykin/idlewatch/internal/history/factory"
	"github.com/loykin/idlewatch/internal/metrics"
	"github.com/loykin/idlewatch/internal/process"
	iapi "github.com/loykin/idlewatch/internal/server"
	"github.com/loykin/idlewatch/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type ExitStatus = process.ExitStatus

type Policy = supervisor.Policy

type Result = supervisor.Result

type Outcome = supervisor.Outcome

type RunInfo = supervisor.RunInfo

type EscalationError = supervisor.EscalationError

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Config = cfg.Config

const (
	OutcomeExited           = supervisor.OutcomeExited
	OutcomeIdleTerminated   = supervisor.OutcomeIdleTerminated
	OutcomeCancelled        = supervisor.OutcomeCancelled
	OutcomeEscalationFailed = supervisor.OutcomeEscalationFailed
	OutcomeStartFailed      = supervisor.OutcomeStartFailed
)

var (
	ErrWaitInterrupted  = supervisor.ErrWaitInterrupted
	ErrEscalationFailed = supervisor.ErrEscalationFailed
)

// Options configures a Supervisor. It mirrors the internal configuration.
type Options = supervisor.Config

// Supervisor is a thin facade over internal/supervisor.Supervisor.
type Supervisor struct{ inner *supervisor.Supervisor }

func New(o Options) *Supervisor { return &Supervisor{inner: supervisor.New(o)} }

// Run supervises spec until it exits, is terminated for inactivity or ctx
// ends. idle overrides the policy's idle timeout when positive.
func (s *Supervisor) Run(ctx context.Context, spec Spec, idle time.Duration) (Result, error) {
	return s.inner.Run(ctx, spec, supervisor.WithIdleTimeout(idle))
}

func (s *Supervisor) Runs() []RunInfo { return s.inner.Runs() }
func (s *Supervisor) Policy() Policy  { return s.inner.Policy() }

// Handler serves /healthz and /runs for this supervisor, plus /metrics when
// withMetrics is set.
func (s *Supervisor) Handler(basePath string, withMetrics bool) http.Handler {
	return iapi.NewRouter(s.inner, iapi.WithBasePath(basePath), iapi.WithMetrics(withMetrics)).Handler()
}

// Run supervises spec with the default policy and the given idle timeout.
func Run(ctx context.Context, spec Spec, idle time.Duration) (Result, error) {
	return New(Options{}).Run(ctx, spec, idle)
}

func DefaultPolicy() Policy { return supervisor.DefaultPolicy() }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHistorySink opens the history sink described by dsn, see the internal
// factory for the supported schemes.
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

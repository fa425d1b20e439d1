package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlewatch",
			Subsystem: "task",
			Name:      "runs_total",
			Help:      "Finished supervised runs by outcome.",
		}, []string{"name", "outcome"},
	)
	idleTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlewatch",
			Subsystem: "task",
			Name:      "idle_timeouts_total",
			Help:      "Idle windows elapsed without output.",
		}, []string{"name"},
	)
	escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlewatch",
			Subsystem: "task",
			Name:      "escalations_total",
			Help:      "Termination requests by stage (graceful, forceful, failed).",
		}, []string{"name", "stage"},
	)
	callbackFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlewatch",
			Subsystem: "task",
			Name:      "idle_callback_failures_total",
			Help:      "Idle callbacks that returned an error or panicked.",
		}, []string{"name"},
	)
	outputBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlewatch",
			Subsystem: "task",
			Name:      "output_bytes_total",
			Help:      "Bytes relayed from the task per stream.",
		}, []string{"name", "stream"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "idlewatch",
			Subsystem: "task",
			Name:      "run_duration_seconds",
			Help:      "Wall time from start to reap of supervised runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"name"},
	)
	running = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "idlewatch",
			Subsystem: "task",
			Name:      "running",
			Help:      "1 while the task's process is alive.",
		}, []string{"name"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "idlewatch",
			Subsystem: "task",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of the task's process.",
		}, []string{"name"},
	)
	rssBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "idlewatch",
			Subsystem: "task",
			Name:      "rss_bytes",
			Help:      "Last sampled resident memory of the task's process.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{runs, idleTimeouts, escalations, callbackFailures, outputBytes, runDuration, running, cpuPercent, rssBytes}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register succeeded.

func IncRun(name, outcome string) {
	if regOK.Load() {
		runs.WithLabelValues(name, outcome).Inc()
	}
}

func IncIdleTimeout(name string) {
	if regOK.Load() {
		idleTimeouts.WithLabelValues(name).Inc()
	}
}

func IncEscalation(name, stage string) {
	if regOK.Load() {
		escalations.WithLabelValues(name, stage).Inc()
	}
}

func IncCallbackFailure(name string) {
	if regOK.Load() {
		callbackFailures.WithLabelValues(name).Inc()
	}
}

func AddOutputBytes(name, stream string, n int) {
	if regOK.Load() && n > 0 {
		outputBytes.WithLabelValues(name, stream).Add(float64(n))
	}
}

func ObserveRunDuration(name string, seconds float64) {
	if regOK.Load() {
		runDuration.WithLabelValues(name).Observe(seconds)
	}
}

func SetRunning(name string, alive bool) {
	if regOK.Load() {
		v := 0.0
		if alive {
			v = 1
		}
		running.WithLabelValues(name).Set(v)
	}
}

func SetUsage(name string, cpu float64, rss uint64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(name).Set(cpu)
		rssBytes.WithLabelValues(name).Set(float64(rss))
	}
}

// OutputCounter is a relay sink counting bytes per task and stream.
type OutputCounter struct {
	name   string
	stream string
}

func NewOutputCounter(name, stream string) *OutputCounter {
	return &OutputCounter{name: name, stream: stream}
}

func (c *OutputCounter) Write(p []byte) (int, error) {
	AddOutputBytes(c.name, c.stream, len(p))
	return len(p), nil
}

package supervisor

import (
	"fmt"
	"time"
)

// Default escalation timings. The idle timeout matches the agent's historic
// three second quiet period; both kill stages get thirty seconds.
const (
	DefaultIdleTimeout  = 3 * time.Second
	DefaultGracefulWait = 30 * time.Second
	DefaultForcefulWait = 30 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	DefaultWaitDelay    = 5 * time.Second
)

// Policy holds the idle window and the two bounded kill stages.
type Policy struct {
	IdleTimeout  time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	GracefulWait time.Duration `json:"graceful_wait" mapstructure:"graceful_wait"`
	ForcefulWait time.Duration `json:"forceful_wait" mapstructure:"forceful_wait"`
	// PollInterval is how often liveness is rechecked during a kill stage.
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	// WaitDelay bounds output draining after the process exited.
	WaitDelay time.Duration `json:"wait_delay" mapstructure:"wait_delay"`
}

func DefaultPolicy() Policy {
	return Policy{
		IdleTimeout:  DefaultIdleTimeout,
		GracefulWait: DefaultGracefulWait,
		ForcefulWait: DefaultForcefulWait,
		PollInterval: DefaultPollInterval,
		WaitDelay:    DefaultWaitDelay,
	}
}

// Validate rejects non-positive durations.
func (p Policy) Validate() error {
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"idle_timeout", p.IdleTimeout},
		{"graceful_wait", p.GracefulWait},
		{"forceful_wait", p.ForcefulWait},
		{"poll_interval", p.PollInterval},
		{"wait_delay", p.WaitDelay},
	} {
		if f.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, f.d)
		}
	}
	return nil
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = d.IdleTimeout
	}
	if p.GracefulWait <= 0 {
		p.GracefulWait = d.GracefulWait
	}
	if p.ForcefulWait <= 0 {
		p.ForcefulWait = d.ForcefulWait
	}
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.WaitDelay <= 0 {
		p.WaitDelay = d.WaitDelay
	}
	return p
}

package client

import "time"

// Health is the /healthz response.
type Health struct {
	OK     bool   `json:"ok"`
	Active int    `json:"active"`
	Uptime string `json:"uptime"`
}

// ExitStatus is how a finished run's process ended.
type ExitStatus struct {
	Code     int    `json:"code"`
	Signaled bool   `json:"signaled"`
	Signal   string `json:"signal,omitempty"`
}

// Usage is the last CPU/memory sample of a running process.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// Run is one supervised run as reported by /runs.
type Run struct {
	ID           uint64        `json:"id"`
	Name         string        `json:"name"`
	PID          int           `json:"pid"`
	Command      string        `json:"command"`
	State        string        `json:"state"`
	Outcome      string        `json:"outcome,omitempty"`
	Exit         *ExitStatus   `json:"exit,omitempty"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	IdleFires    int64         `json:"idle_fires"`
	Escalating   bool          `json:"escalating"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
}

// Active reports whether the run is still supervised.
func (r Run) Active() bool { return r.Outcome == "" }

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

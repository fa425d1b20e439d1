package process

import "time"

// State is the lifecycle state of a supervised process.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateExited
	StateFailed // could not be started
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ExitStatus is how a process ended.
type ExitStatus struct {
	Code     int    `json:"code"`             // exit code, or 128+signal when signaled
	Signaled bool   `json:"signaled"`         // terminated by a signal
	Signal   string `json:"signal,omitempty"` // signal name when Signaled
}

// Success reports a zero exit code without a signal.
func (e ExitStatus) Success() bool { return e.Code == 0 && !e.Signaled }

// Status is a point-in-time snapshot of a Process.
type Status struct {
	Name      string      `json:"name"`
	PID       int         `json:"pid"`
	State     string      `json:"state"`
	StartedAt time.Time   `json:"started_at"`
	ExitedAt  time.Time   `json:"exited_at"`
	Exit      *ExitStatus `json:"exit,omitempty"`
}

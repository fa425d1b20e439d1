package supervisor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/idlewatch/internal/activity"
	"github.com/loykin/idlewatch/internal/history"
	"github.com/loykin/idlewatch/internal/process"
)

// DefaultKeepFinished is how many finished runs Runs keeps reporting.
const DefaultKeepFinished = 32

// RunInfo is a point-in-time view of a run for introspection.
type RunInfo struct {
	ID           uint64              `json:"id"`
	Name         string              `json:"name"`
	PID          int                 `json:"pid"`
	Command      string              `json:"command"`
	State        string              `json:"state"`
	Outcome      Outcome             `json:"outcome,omitempty"`
	Exit         *process.ExitStatus `json:"exit,omitempty"`
	IdleTimeout  time.Duration       `json:"idle_timeout"`
	IdleFires    int64               `json:"idle_fires"`
	Escalating   bool                `json:"escalating"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at,omitempty"`
	LastActivity time.Time           `json:"last_activity,omitempty"`
	Usage        *process.Usage      `json:"usage,omitempty"`
}

// Active reports whether the run has not finished yet.
func (i RunInfo) Active() bool { return i.Outcome == "" }

type run struct {
	id          uint64
	p           *process.Process
	idleTimeout time.Duration

	mon           atomic.Pointer[activity.Monitor]
	idleFires     atomic.Int64
	idleSignalled atomic.Bool
	escalating    atomic.Bool
	escMu         sync.Mutex // serializes idle and cancel escalations

	mu         sync.Mutex
	outcome    Outcome
	finishedAt time.Time
	usage      *process.Usage
}

// escalate runs one full escalation for this run, waiting for any other
// escalation of the same run to finish first.
func (r *run) escalate(ctx context.Context, s *Supervisor, reason string) error {
	r.escMu.Lock()
	defer r.escMu.Unlock()
	r.escalating.Store(true)
	defer r.escalating.Store(false)

	signalled, err := s.escalate(ctx, r.p, r, reason)
	if signalled && reason == reasonIdle {
		r.idleSignalled.Store(true)
	}
	return err
}

// awaitEscalation blocks while an escalation is in flight.
func (r *run) awaitEscalation() {
	r.escMu.Lock()
	r.escMu.Unlock()
}

func (r *run) setUsage(u process.Usage) {
	r.mu.Lock()
	r.usage = &u
	r.mu.Unlock()
}

func (r *run) finish(o Outcome) {
	r.mu.Lock()
	r.outcome = o
	r.finishedAt = time.Now()
	r.mu.Unlock()
}

func (r *run) record() history.Record {
	rec := recordOf(r.p)
	rec.IdleFires = r.idleFires.Load()
	return rec
}

func (r *run) info() RunInfo {
	st := r.p.Snapshot()
	spec := r.p.Spec()
	i := RunInfo{
		ID:          r.id,
		Name:        st.Name,
		PID:         st.PID,
		Command:     spec.CommandLine(),
		State:       st.State,
		Exit:        st.Exit,
		IdleTimeout: r.idleTimeout,
		IdleFires:   r.idleFires.Load(),
		Escalating:  r.escalating.Load(),
		StartedAt:   st.StartedAt,
	}
	if m := r.mon.Load(); m != nil {
		i.LastActivity = m.LastActivity()
	}
	r.mu.Lock()
	i.Outcome = r.outcome
	i.FinishedAt = r.finishedAt
	i.Usage = r.usage
	r.mu.Unlock()
	return i
}

func recordOf(p *process.Process) history.Record {
	st := p.Snapshot()
	return history.Record{
		Name:      st.Name,
		PID:       st.PID,
		Command:   p.Spec().CommandLine(),
		StartedAt: st.StartedAt,
	}
}

func (s *Supervisor) track(p *process.Process, idle time.Duration) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	r := &run{id: s.seq, p: p, idleTimeout: idle}
	s.active[r.id] = r
	return r
}

func (s *Supervisor) retire(r *run, o Outcome) {
	r.finish(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, r.id)
	s.finished = append(s.finished, r)
	if n := len(s.finished) - s.cfg.KeepFinished; n > 0 {
		s.finished = append(s.finished[:0:0], s.finished[n:]...)
	}
}

// Runs returns active runs followed by recently finished ones, oldest first
// within each group.
func (s *Supervisor) Runs() []RunInfo {
	s.mu.Lock()
	active := make([]*run, 0, len(s.active))
	for _, r := range s.active {
		active = append(active, r)
	}
	finished := append([]*run(nil), s.finished...)
	s.mu.Unlock()

	sort.Slice(active, func(i, j int) bool { return active[i].id < active[j].id })
	out := make([]RunInfo, 0, len(active)+len(finished))
	for _, r := range active {
		out = append(out, r.info())
	}
	for _, r := range finished {
		out = append(out, r.info())
	}
	return out
}

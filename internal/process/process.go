package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is one child process instance. It is started once; a single reaper
// goroutine owns cmd.Wait and publishes the outcome through Done.
type Process struct {
	spec      Spec
	waitDelay time.Duration

	mu        sync.Mutex
	cmd       *exec.Cmd
	state     State
	startedAt time.Time
	exitedAt  time.Time
	exit      ExitStatus
	waitErr   error
	done      chan struct{}
}

func New(spec Spec) *Process {
	return &Process{spec: spec, done: make(chan struct{})}
}

// SetWaitDelay bounds how long Wait keeps draining output after the process
// exited, e.g. when a grandchild still holds the pipes. Zero waits forever.
func (p *Process) SetWaitDelay(d time.Duration) {
	p.mu.Lock()
	p.waitDelay = d
	p.mu.Unlock()
}

// Spec returns the spec the process was created with.
func (p *Process) Spec() Spec { return p.spec }

// Start launches the command with stdout and stderr wired to the given
// writers. A nil writer discards that stream.
func (p *Process) Start(stdout, stderr io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateCreated {
		return fmt.Errorf("process %q: already %s", p.spec.DisplayName(), p.state)
	}
	cmd := p.spec.BuildCommand()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = p.waitDelay
	if err := cmd.Start(); err != nil {
		p.state = StateFailed
		close(p.done)
		return fmt.Errorf("start %q: %w", p.spec.DisplayName(), err)
	}
	p.cmd = cmd
	p.state = StateRunning
	p.startedAt = time.Now()
	go p.reap(cmd)
	return nil
}

func (p *Process) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	exit := exitStatusOf(cmd.ProcessState)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = nil
	}

	p.mu.Lock()
	p.state = StateExited
	p.exitedAt = time.Now()
	p.exit = exit
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

// Done is closed once the process has exited and been reaped, or failed to start.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// LeaderExited reports whether the process itself has ended, even while Wait
// is still draining pipes held open by other members of its group.
func (p *Process) LeaderExited() bool {
	if p.Exited() {
		return true
	}
	pid := p.PID()
	return pid > 0 && leaderGone(pid)
}

// Wait blocks until the process is reaped. The error is non-nil only for
// problems other than a non-zero exit, such as output copy failures or the
// wait delay expiring; the exit status is valid either way.
func (p *Process) Wait() (ExitStatus, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateFailed {
		return ExitStatus{}, fmt.Errorf("process %q: never started", p.spec.DisplayName())
	}
	return p.exit, p.waitErr
}

// PID returns the process id, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Kill sends an unconditional kill to the process itself (not its group).
// A process that already exited is not an error.
func (p *Process) Kill() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil || p.Exited() {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Name:      p.spec.DisplayName(),
		State:     p.state.String(),
		StartedAt: p.startedAt,
		ExitedAt:  p.exitedAt,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		st.PID = p.cmd.Process.Pid
	}
	if p.state == StateExited {
		e := p.exit
		st.Exit = &e
	}
	return st
}

func exitStatusOf(ps *os.ProcessState) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return ExitStatus{Code: 128 + int(sig), Signaled: true, Signal: sig.String()}
	}
	return ExitStatus{Code: ps.ExitCode()}
}

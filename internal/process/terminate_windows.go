//go:build windows

package process

import (
	"errors"
	"os/exec"
	"strconv"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// platformTerminator uses taskkill to reach the whole process tree.
type platformTerminator struct{}

func (platformTerminator) TerminateGracefully(p *Process) error {
	return taskkill(p, false)
}

func (platformTerminator) TerminateForcefully(p *Process) error {
	if err := taskkill(p, true); err != nil {
		return p.Kill()
	}
	return nil
}

func (platformTerminator) IsAlive(p *Process) bool {
	pid := p.PID()
	if pid <= 0 || p.Exited() {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err != nil || ok
}

// leaderGone asks the OS whether pid still runs; Wait may still be draining.
func leaderGone(pid int) bool {
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return errors.Is(err, gopsproc.ErrorProcessNotRunning)
	}
	running, err := proc.IsRunning()
	return err == nil && !running
}

func taskkill(p *Process, force bool) error {
	pid := p.PID()
	if pid <= 0 || p.Exited() {
		return nil
	}
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if force {
		args = append([]string{"/F"}, args...)
	}
	// #nosec G204 -- fixed binary, numeric pid
	err := exec.Command("taskkill", args...).Run()
	if err != nil && p.Exited() {
		// raced with a natural exit
		return nil
	}
	return err
}

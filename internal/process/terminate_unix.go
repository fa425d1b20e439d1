//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"slices"
	"strconv"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// platformTerminator signals the whole process group (negative pid).
type platformTerminator struct{}

func (platformTerminator) TerminateGracefully(p *Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func (platformTerminator) TerminateForcefully(p *Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func (platformTerminator) IsAlive(p *Process) bool {
	pid := p.PID()
	if pid <= 0 {
		return false
	}
	if !p.Exited() && !leaderGone(pid) {
		return true
	}
	// leader gone; other group members may still hold on
	err := unix.Kill(-pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func signalGroup(p *Process, sig unix.Signal) error {
	pid := p.PID()
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) && !p.Exited() {
		// no group (Setpgid did not apply); try the leader alone. Once reaped
		// the pid may belong to someone else.
		err = unix.Kill(pid, sig)
	}
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// leaderGone reports a leader that was reaped or is a zombie. A reaped
// leader's pid is not reused while it still names a process group.
func leaderGone(pid int) bool {
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return true
	}
	return isZombie(pid)
}

// isZombie reports an exited but not yet reaped process.
func isZombie(pid int) bool {
	if runtime.GOOS == "linux" {
		b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
		if err != nil {
			return false
		}
		return bytes.Contains(b, []byte("State:\tZ"))
	}
	// Darwin/BSD via gopsutil (sysctl under the hood)
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := proc.Status()
	if err != nil {
		return false
	}
	return slices.Contains(st, gopsproc.Zombie)
}

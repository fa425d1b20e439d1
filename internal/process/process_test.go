package process

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func waitDone(t *testing.T, p *Process, d time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(d):
		t.Fatalf("process %d did not exit within %s", p.PID(), d)
	}
}

func TestSpecValidate(t *testing.T) {
	if err := (Spec{}).Validate(); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}
	if err := (Spec{Command: "true", Env: []string{"NOEQUALS"}}).Validate(); err == nil {
		t.Fatal("expected env validation error")
	}
	f := filepath.Join(t.TempDir(), "file")
	_ = os.WriteFile(f, nil, 0o600)
	if err := (Spec{Command: "true", WorkDir: f}).Validate(); err == nil {
		t.Fatal("expected error for non-directory work dir")
	}
	if err := (Spec{Name: "../escape", Command: "true"}).Validate(); err == nil {
		t.Fatal("expected error for unsafe name")
	}
	if got := (Spec{Command: "/usr/bin/sleep"}).DisplayName(); got != "sleep" {
		t.Fatalf("DisplayName = %q", got)
	}
	if err := (Spec{Command: "true", WorkDir: t.TempDir(), Env: []string{"A=1"}}).Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
}

func TestStartWiresOutputWorkdirAndEnv(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	var out, errOut syncBuffer
	p := New(Spec{
		Name:    "env",
		Command: "sh",
		Args:    []string{"-c", `pwd; echo "$GREETING"; echo oops 1>&2`},
		WorkDir: dir,
		Env:     []string{"GREETING=hello world"},
	})
	if err := p.Start(&out, &errOut); err != nil {
		t.Fatalf("start: %v", err)
	}
	exit, err := p.Wait()
	if err != nil || !exit.Success() {
		t.Fatalf("unexpected exit %+v err=%v", exit, err)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || (lines[0] != dir && lines[0] != resolved) || lines[1] != "hello world" {
		t.Fatalf("unexpected stdout %q", out.String())
	}
	if strings.TrimSpace(errOut.String()) != "oops" {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
	st := p.Snapshot()
	if st.State != "exited" || st.Exit == nil || st.PID <= 0 || st.Name != "env" {
		t.Fatalf("unexpected snapshot %+v", st)
	}
}

func TestExitCodeAndSignal(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Command: "sh", Args: []string{"-c", "exit 3"}})
	if err := p.Start(nil, nil); err != nil {
		t.Fatal(err)
	}
	exit, _ := p.Wait()
	if exit.Code != 3 || exit.Signaled {
		t.Fatalf("expected code 3, got %+v", exit)
	}

	p = New(Spec{Command: "sleep", Args: []string{"10"}})
	if err := p.Start(nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := NewTerminator().TerminateForcefully(p); err != nil {
		t.Fatal(err)
	}
	exit, _ = p.Wait()
	if !exit.Signaled || exit.Code != 128+9 {
		t.Fatalf("expected SIGKILL exit, got %+v", exit)
	}
}

func TestStartFailure(t *testing.T) {
	p := New(Spec{Command: filepath.Join(t.TempDir(), "does-not-exist")})
	if err := p.Start(nil, nil); err == nil {
		t.Fatal("expected start error")
	}
	if p.State() != StateFailed || !p.Exited() {
		t.Fatalf("unexpected state %s", p.State())
	}
	if _, err := p.Wait(); err == nil {
		t.Fatal("Wait should report a never-started process")
	}
	if err := p.Start(nil, nil); err == nil {
		t.Fatal("second Start must fail")
	}
}

func TestTerminatorGracefulAndIdempotent(t *testing.T) {
	requireUnix(t)
	term := NewTerminator()
	p := New(Spec{Command: "sleep", Args: []string{"10"}})
	if term.IsAlive(p) {
		t.Fatal("unstarted process reported alive")
	}
	if err := p.Start(nil, nil); err != nil {
		t.Fatal(err)
	}
	if !term.IsAlive(p) {
		t.Fatal("running process reported dead")
	}
	if err := term.TerminateGracefully(p); err != nil {
		t.Fatalf("graceful: %v", err)
	}
	waitDone(t, p, 5*time.Second)
	exit, _ := p.Wait()
	if !exit.Signaled || exit.Signal != "terminated" {
		t.Fatalf("expected SIGTERM exit, got %+v", exit)
	}
	if term.IsAlive(p) {
		t.Fatal("exited process reported alive")
	}
	// requests against an exited process are successful no-ops
	for i := 0; i < 2; i++ {
		if err := term.TerminateGracefully(p); err != nil {
			t.Fatalf("graceful on exited: %v", err)
		}
		if err := term.TerminateForcefully(p); err != nil {
			t.Fatalf("forceful on exited: %v", err)
		}
		if err := p.Kill(); err != nil {
			t.Fatalf("kill on exited: %v", err)
		}
	}
}

func TestTerminatorReachesProcessGroup(t *testing.T) {
	requireUnix(t)
	term := NewTerminator()
	// the shell backgrounds a sleeper that shares its process group
	p := New(Spec{Command: "sh", Args: []string{"-c", "sleep 30 & wait"}})
	p.SetWaitDelay(time.Second)
	if err := p.Start(nil, nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := term.TerminateForcefully(p); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 5*time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for term.IsAlive(p) {
		if time.Now().After(deadline) {
			t.Fatal("group member survived forceful termination")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestValidName(t *testing.T) {
	valid := []string{"a", "A1._-", "name.1-2_3"}
	invalid := []string{"", "..", "a..b", "a/b", `a\\b`, "hello*", "unicode한글", "with space"}
	for _, s := range valid {
		if !ValidName(s) {
			t.Fatalf("expected valid name %q", s)
		}
	}
	for _, s := range invalid {
		if ValidName(s) {
			t.Fatalf("expected invalid name %q", s)
		}
	}
}

func TestLeaderExitedWhileGroupHoldsPipes(t *testing.T) {
	requireUnix(t)
	term := NewTerminator()
	var out syncBuffer
	p := New(Spec{Command: "sh", Args: []string{"-c", "sleep 20 & echo started; exit 3"}})
	p.SetWaitDelay(10 * time.Second)
	if p.LeaderExited() {
		t.Fatal("unstarted process reported as exited")
	}
	if err := p.Start(&out, nil); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !p.LeaderExited() {
		if time.Now().After(deadline) {
			t.Fatal("leader exit not detected")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if p.Exited() {
		t.Fatal("Wait returned while the sleeper still holds stdout")
	}
	if !term.IsAlive(p) {
		t.Fatal("remaining group member not reported alive")
	}
	if err := term.TerminateForcefully(p); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 5*time.Second)
	exit, _ := p.Wait()
	if exit.Code != 3 || exit.Signaled {
		t.Fatalf("expected the leader's own exit code 3, got %+v", exit)
	}
	if term.IsAlive(p) {
		t.Fatal("group member survived")
	}
}

func TestTerminateReapedProcessIsNoop(t *testing.T) {
	requireUnix(t)
	term := NewTerminator()
	p := New(Spec{Command: "sh", Args: []string{"-c", "exit 0"}})
	if err := p.Start(nil, nil); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 5*time.Second)
	if !p.LeaderExited() {
		t.Fatal("reaped process not reported as exited")
	}
	// neither the group nor the bare pid is signalled once reaped
	if err := term.TerminateGracefully(p); err != nil {
		t.Fatalf("graceful: %v", err)
	}
	if err := term.TerminateForcefully(p); err != nil {
		t.Fatalf("forceful: %v", err)
	}
}

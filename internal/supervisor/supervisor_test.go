package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/idlewatch/internal/history"
	"github.com/loykin/idlewatch/internal/logger"
	"github.com/loykin/idlewatch/internal/process"
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

func sh(name, script string) process.Spec {
	return process.Spec{Name: name, Command: "sh", Args: []string{"-c", script}}
}

func TestRunTerminatesSilentProcess(t *testing.T) {
	requireUnix(t)
	sink := &memorySink{}
	s := New(Config{
		Policy: Policy{
			IdleTimeout:  time.Second,
			GracefulWait: 5 * time.Second,
			ForcefulWait: 5 * time.Second,
			PollInterval: 20 * time.Millisecond,
		},
		History: sink,
	})

	start := time.Now()
	res, err := s.Run(context.Background(), process.Spec{Name: "silent", Command: "sleep", Args: []string{"10"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdleTerminated, res.Outcome)
	assert.Equal(t, int64(1), res.IdleFires)
	assert.True(t, res.Exit.Signaled, "expected termination by signal, got %+v", res.Exit)
	assert.Equal(t, "terminated", res.Exit.Signal)
	assert.Less(t, time.Since(start), 8*time.Second)
	assert.Greater(t, res.PID, 0)

	assert.Equal(t, []history.EventType{
		history.EventRunStarted,
		history.EventIdleTimeout,
		history.EventEscalation,
		history.EventRunFinished,
	}, sink.types())
}

func TestRunSteadyOutputNeverIdles(t *testing.T) {
	requireUnix(t)
	s := New(Config{Policy: Policy{IdleTimeout: time.Second}, CaptureLimit: 4096})

	res, err := s.Run(context.Background(),
		sh("ticker", `i=0; while [ $i -lt 6 ]; do echo tick $i; i=$((i+1)); sleep 0.5; done`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExited, res.Outcome)
	assert.Zero(t, res.IdleFires)
	assert.True(t, res.Exit.Success())
	assert.Equal(t, 6, strings.Count(string(res.Output), "tick"))
	assert.GreaterOrEqual(t, res.Duration(), 2500*time.Millisecond)
}

func TestRunStderrCountsAsActivity(t *testing.T) {
	requireUnix(t)
	s := New(Config{Policy: Policy{IdleTimeout: time.Second}})

	res, err := s.Run(context.Background(),
		sh("stderr-ticker", `for i in 1 2 3 4; do echo warn $i 1>&2; sleep 0.5; done`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExited, res.Outcome)
	assert.Zero(t, res.IdleFires)
}

func TestRunForcefulWhenTermIgnored(t *testing.T) {
	requireUnix(t)
	sink := &memorySink{}
	s := New(Config{
		Policy: Policy{
			IdleTimeout:  300 * time.Millisecond,
			GracefulWait: 300 * time.Millisecond,
			ForcefulWait: 5 * time.Second,
			PollInterval: 20 * time.Millisecond,
		},
		History: sink,
	})

	res, err := s.Run(context.Background(), sh("stubborn", `trap "" TERM; sleep 10`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdleTerminated, res.Outcome)
	assert.Equal(t, "killed", res.Exit.Signal)
	assert.Equal(t, []string{StageGraceful, StageForceful}, sink.stages())
}

func TestRunReportsExitCodeAndMirrorsOutput(t *testing.T) {
	requireUnix(t)
	var logs, stdout, stderr syncBuffer
	l := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := New(Config{
		Logger:           l,
		Console:          true,
		Stdout:           &stdout,
		Stderr:           &stderr,
		StructuredOutput: true,
		CaptureLimit:     4,
	})

	res, err := s.Run(context.Background(), sh("exit3", `echo out; echo err 1>&2; exit 3`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExited, res.Outcome)
	assert.Equal(t, 3, res.Exit.Code)
	assert.False(t, res.Exit.Signaled)

	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
	assert.Contains(t, logs.String(), "line=out")
	assert.Contains(t, logs.String(), "stream=stderr")
	assert.Contains(t, logs.String(), "task finished")

	assert.Len(t, res.Output, 4)
	assert.True(t, res.OutputTruncated)
	assert.NoError(t, res.OutputErr)
}

func TestRunWritesCaptureFiles(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	s := New(Config{Files: logger.FileConfig{Dir: dir}})

	_, err := s.Run(context.Background(), sh("files", `echo hello; echo oops 1>&2`))
	require.NoError(t, err)

	out, err := readFile(filepath.Join(dir, "files.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
	errOut, err := readFile(filepath.Join(dir, "files.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", errOut)
}

func TestRunCancelled(t *testing.T) {
	requireUnix(t)
	s := New(Config{Policy: Policy{IdleTimeout: 10 * time.Second, PollInterval: 10 * time.Millisecond}})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	start := time.Now()
	res, err := s.Run(ctx, process.Spec{Name: "cancel-me", Command: "sleep", Args: []string{"10"}})
	assert.ErrorIs(t, err, ErrWaitInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.True(t, res.Exit.Signaled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunAlreadyCancelledContext(t *testing.T) {
	s := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.Run(ctx, process.Spec{Command: "true"})
	assert.ErrorIs(t, err, ErrWaitInterrupted)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Empty(t, s.Runs())
}

func TestRunSurfacesEscalationFailure(t *testing.T) {
	requireUnix(t)
	// the fake never signals the real child, which exits on its own later
	term := &fakeTerminator{alive: true}
	var logs syncBuffer
	s := New(Config{
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
		Policy: Policy{
			IdleTimeout:  200 * time.Millisecond,
			GracefulWait: 100 * time.Millisecond,
			ForcefulWait: 100 * time.Millisecond,
			PollInterval: 10 * time.Millisecond,
		},
		Terminator: term,
	})

	res, err := s.Run(context.Background(), process.Spec{Name: "immortal", Command: "sleep", Args: []string{"2"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEscalationFailed))
	assert.Equal(t, OutcomeEscalationFailed, res.Outcome)
	assert.Equal(t, int64(1), res.IdleFires)
	assert.False(t, res.Exit.Signaled, "escalation failure must not look like an exit status")
	assert.Contains(t, logs.String(), "process survived escalation")
	assert.NotContains(t, logs.String(), "idle callback failed")
}

func TestRunLeaderExitWithSilentGrandchild(t *testing.T) {
	requireUnix(t)
	sink := &memorySink{}
	p := fastPolicy()
	p.IdleTimeout = 300 * time.Millisecond
	p.WaitDelay = 10 * time.Second
	s := New(Config{Policy: p, History: sink})

	start := time.Now()
	res, err := s.Run(context.Background(), sh("leader", "sleep 20 & echo started; exit 3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExited, res.Outcome)
	assert.Equal(t, 3, res.Exit.Code)
	assert.False(t, res.Exit.Signaled)
	assert.Zero(t, res.IdleFires)
	// the leftover sleeper is killed instead of waiting out WaitDelay
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []history.EventType{
		history.EventRunStarted,
		history.EventRunFinished,
	}, sink.types())
}

func TestEscalateExitedProcessTwice(t *testing.T) {
	requireUnix(t)
	s := New(Config{Policy: fastPolicy()})
	p := process.New(process.Spec{Command: "true"})
	require.NoError(t, p.Start(nil, nil))
	_, _ = p.Wait()

	for i := 0; i < 2; i++ {
		assert.NoError(t, s.Escalate(context.Background(), p))
	}
}

func TestRunStartFailure(t *testing.T) {
	sink := &memorySink{}
	s := New(Config{History: sink})

	res, err := s.Run(context.Background(), process.Spec{Name: "missing", Command: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
	assert.Equal(t, OutcomeStartFailed, res.Outcome)
	assert.Equal(t, []history.EventType{history.EventRunFinished}, sink.types())

	runs := s.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, OutcomeStartFailed, runs[0].Outcome)
}

func TestRunRejectsInvalidSpec(t *testing.T) {
	s := New(Config{})
	_, err := s.Run(context.Background(), process.Spec{})
	assert.ErrorIs(t, err, process.ErrEmptyCommand)
}

func TestRunsRegistry(t *testing.T) {
	requireUnix(t)
	s := New(Config{Policy: Policy{IdleTimeout: 5 * time.Second}, KeepFinished: 2, UsageInterval: 50 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Run(context.Background(), sh("slow", `echo begin; sleep 1`), WithIdleTimeout(4*time.Second))
	}()

	var active RunInfo
	require.Eventually(t, func() bool {
		runs := s.Runs()
		if len(runs) != 1 || runs[0].PID == 0 {
			return false
		}
		active = runs[0]
		return true
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, active.Active())
	assert.Equal(t, "slow", active.Name)
	assert.Equal(t, "running", active.State)
	assert.Equal(t, 4*time.Second, active.IdleTimeout)
	assert.Contains(t, active.Command, "sleep 1")
	<-done

	for i := 0; i < 2; i++ {
		_, err := s.Run(context.Background(), process.Spec{Name: "quick", Command: "true"})
		require.NoError(t, err)
	}
	runs := s.Runs()
	require.Len(t, runs, 2, "finished runs are bounded by KeepFinished")
	for _, r := range runs {
		assert.False(t, r.Active())
		assert.Equal(t, "quick", r.Name)
		assert.Equal(t, OutcomeExited, r.Outcome)
		require.NotNil(t, r.Exit)
		assert.Zero(t, r.Exit.Code)
	}
}

package client

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/idlewatch/internal/process"
	"github.com/loykin/idlewatch/internal/server"
	"github.com/loykin/idlewatch/internal/supervisor"
	itls "github.com/loykin/idlewatch/internal/tls"
)

type staticRuns []supervisor.RunInfo

func (s staticRuns) Runs() []supervisor.RunInfo { return s }

func sampleRuns() staticRuns {
	now := time.Now()
	return staticRuns{
		{ID: 2, Name: "build", PID: 20, State: "running", StartedAt: now, IdleTimeout: 3 * time.Second,
			Usage: &process.Usage{CPUPercent: 1.5, RSSBytes: 2048}},
		{ID: 1, Name: "build", PID: 10, State: "exited", Outcome: supervisor.OutcomeIdleTerminated,
			Exit: &process.ExitStatus{Code: 143, Signaled: true, Signal: "terminated"}, IdleFires: 1,
			StartedAt: now.Add(-time.Minute), FinishedAt: now},
	}
}

func TestClientAgainstRouter(t *testing.T) {
	srv := httptest.NewServer(server.NewRouter(sampleRuns(), server.WithBasePath("/iw")).Handler())
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/iw/"})
	require.NoError(t, err)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.OK)
	assert.Equal(t, 1, h.Active)

	runs, err := c.Runs(ctx, false)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].Active())
	assert.Equal(t, 3*time.Second, runs[0].IdleTimeout)
	require.NotNil(t, runs[0].Usage)
	assert.Equal(t, uint64(2048), runs[0].Usage.RSSBytes)
	require.NotNil(t, runs[1].Exit)
	assert.Equal(t, "terminated", runs[1].Exit.Signal)
	assert.Equal(t, string(supervisor.OutcomeIdleTerminated), runs[1].Outcome)

	active, err := c.Runs(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	byName, err := c.RunsByName(ctx, "build")
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	_, err = c.RunsByName(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound), "err = %v", err)

	_, err = c.RunsByName(ctx, "..")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Internal Server Error")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Runs(ctx, false)
	assert.Error(t, err)

	_, err = New(Config{CACert: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("junk"), 0o600))
	_, err = New(Config{CACert: bad})
	assert.Error(t, err)
}

func TestClientTLSWithAgentCA(t *testing.T) {
	dir := t.TempDir()
	tc, err := itls.Setup(itls.Config{Dir: dir, AutoGenerate: true})
	require.NoError(t, err)

	// httptest installs its own certificate unless one is present
	cert, err := tc.GetCertificate(nil)
	require.NoError(t, err)
	tc.Certificates = []tls.Certificate{*cert}

	srv := httptest.NewUnstartedServer(server.NewRouter(sampleRuns()).Handler())
	srv.TLS = tc
	srv.StartTLS()
	defer srv.Close()

	// the generated certificate covers 127.0.0.1
	c, err := New(Config{BaseURL: srv.URL, CACert: filepath.Join(dir, "tls_ca.crt")})
	require.NoError(t, err)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.OK)

	// without the CA the handshake fails
	plain, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = plain.Health(context.Background())
	assert.Error(t, err)

	insecure, err := New(Config{BaseURL: srv.URL, Insecure: true})
	require.NoError(t, err)
	_, err = insecure.Runs(context.Background(), false)
	assert.NoError(t, err)
}

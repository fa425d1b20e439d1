package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/idlewatch/internal/metrics"
	"github.com/loykin/idlewatch/internal/process"
	"github.com/loykin/idlewatch/internal/supervisor"
	itls "github.com/loykin/idlewatch/internal/tls"
)

type staticRuns []supervisor.RunInfo

func (s staticRuns) Runs() []supervisor.RunInfo { return s }

func sampleRuns() staticRuns {
	now := time.Now()
	return staticRuns{
		{ID: 1, Name: "build", PID: 10, State: "running", StartedAt: now, IdleTimeout: 3 * time.Second},
		{ID: 2, Name: "build", PID: 11, State: "exited", Outcome: supervisor.OutcomeIdleTerminated,
			Exit: &process.ExitStatus{Code: 143, Signaled: true, Signal: "terminated"}, IdleFires: 1},
		{ID: 3, Name: "lint", PID: 12, State: "exited", Outcome: supervisor.OutcomeExited, Exit: &process.ExitStatus{}},
	}
}

func setupRouter(t *testing.T, src RunSource, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(src, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeRuns(t *testing.T, rec *httptest.ResponseRecorder) []supervisor.RunInfo {
	t.Helper()
	var out []supervisor.RunInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v: %s", err, rec.Body.String())
	}
	return out
}

func TestHealthz(t *testing.T) {
	h := setupRouter(t, sampleRuns(), WithBasePath("/api"))
	rec := doReq(t, h, "/api/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var hr healthResp
	if err := json.Unmarshal(rec.Body.Bytes(), &hr); err != nil {
		t.Fatal(err)
	}
	if !hr.OK || hr.Active != 1 {
		t.Fatalf("unexpected health: %+v", hr)
	}
}

func TestRunsListAndFilter(t *testing.T) {
	h := setupRouter(t, sampleRuns())

	all := decodeRuns(t, doReq(t, h, "/runs"))
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[1].Outcome != supervisor.OutcomeIdleTerminated || all[1].Exit == nil || all[1].Exit.Code != 143 {
		t.Fatalf("unexpected run: %+v", all[1])
	}

	active := decodeRuns(t, doReq(t, h, "/runs?active=true"))
	if len(active) != 1 || active[0].ID != 1 {
		t.Fatalf("unexpected active runs: %+v", active)
	}
}

func TestRunsByName(t *testing.T) {
	h := setupRouter(t, sampleRuns())

	builds := decodeRuns(t, doReq(t, h, "/runs/build"))
	if len(builds) != 2 {
		t.Fatalf("expected 2 build runs, got %d", len(builds))
	}
	if rec := doReq(t, h, "/runs/unknown"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doReq(t, h, "/runs/bad*name"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEmptyRunsIsArray(t *testing.T) {
	h := setupRouter(t, staticRuns(nil))
	rec := doReq(t, h, "/runs")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty JSON array, got %q", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_ = metrics.Register(prometheus.DefaultRegisterer)
	metrics.IncIdleTimeout("router-test")

	if rec := doReq(t, setupRouter(t, staticRuns(nil)), "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics must be off unless enabled, got %d", rec.Code)
	}
	rec := doReq(t, setupRouter(t, staticRuns(nil), WithMetrics(true)), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "idlewatch_task_idle_timeouts_total") {
		t.Fatal("metrics output missing idlewatch collectors")
	}
}

func TestRouterWithSupervisor(t *testing.T) {
	sup := supervisor.New(supervisor.Config{})
	if _, err := sup.Run(context.Background(), process.Spec{Name: "ok", Command: "true"}); err != nil {
		t.Skipf("cannot run true: %v", err)
	}
	runs := decodeRuns(t, doReq(t, setupRouter(t, sup), "/runs/ok"))
	if len(runs) != 1 || runs[0].Outcome != supervisor.OutcomeExited {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestServe(t *testing.T) {
	// bind errors surface immediately
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	if err := Serve(context.Background(), ln.Addr().String(), http.NotFoundHandler()); err == nil {
		t.Fatal("expected bind error for address in use")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Serve returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}

func TestServeTLS(t *testing.T) {
	tc, err := itls.Setup(itls.Config{Dir: t.TempDir(), AutoGenerate: true})
	if err != nil {
		t.Fatal(err)
	}
	// reserve a free port, then hand it to ServeTLS
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- ServeTLS(ctx, addr, NewRouter(sampleRuns()).Handler(), tc) }()

	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}, // #nosec G402 self-signed test cert
	}
	var resp *http.Response
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err = client.Get("https://" + addr + "/healthz")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET over TLS: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.TLS == nil {
		t.Fatalf("unexpected response: %d tls=%v", resp.StatusCode, resp.TLS != nil)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("ServeTLS returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeTLS did not stop after cancel")
	}
}

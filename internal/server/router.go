package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/idlewatch/internal/metrics"
	"github.com/loykin/idlewatch/internal/process"
	"github.com/loykin/idlewatch/internal/supervisor"
)

// RunSource lists supervised runs, typically a *supervisor.Supervisor.
type RunSource interface {
	Runs() []supervisor.RunInfo
}

// Router provides read-only introspection handlers.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/runs          query: active=true to hide finished runs
//	GET {basePath}/runs/:name    runs of one task, 404 when there are none
//	GET {basePath}/metrics       Prometheus exposition, when enabled
type Router struct {
	src      RunSource
	basePath string
	metrics  bool
	started  time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithBasePath mounts every endpoint under bp, e.g. "/idlewatch".
func WithBasePath(bp string) Option {
	return func(r *Router) { r.basePath = sanitizeBase(bp) }
}

// WithMetrics serves /metrics from the default Prometheus gatherer.
func WithMetrics(enabled bool) Option {
	return func(r *Router) { r.metrics = enabled }
}

func NewRouter(src RunSource, opts ...Option) *Router {
	r := &Router{src: src, started: time.Now()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/runs", r.handleRuns)
	group.GET("/runs/:name", r.handleRunsByName)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// Serve listens on addr and serves h until ctx is done, then shuts down
// gracefully. Bind errors are returned before serving starts.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	return ServeTLS(ctx, addr, h, nil)
}

// ServeTLS is Serve over TLS; a nil config serves plain HTTP.
func ServeTLS(ctx context.Context, addr string, h http.Handler, tc *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if tc != nil {
		ln = tls.NewListener(ln, tc)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK     bool   `json:"ok"`
	Active int    `json:"active"`
	Uptime string `json:"uptime"`
}

func (r *Router) handleHealth(c *gin.Context) {
	active := 0
	for _, i := range r.src.Runs() {
		if i.Active() {
			active++
		}
	}
	writeJSON(c, http.StatusOK, healthResp{
		OK:     true,
		Active: active,
		Uptime: time.Since(r.started).Round(time.Second).String(),
	})
}

func (r *Router) handleRuns(c *gin.Context) {
	onlyActive := c.Query("active") == "true"
	out := make([]supervisor.RunInfo, 0)
	for _, i := range r.src.Runs() {
		if onlyActive && !i.Active() {
			continue
		}
		out = append(out, i)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleRunsByName(c *gin.Context) {
	name := c.Param("name")
	if !process.ValidName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	out := make([]supervisor.RunInfo, 0)
	for _, i := range r.src.Runs() {
		if i.Name == name {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		writeJSON(c, http.StatusNotFound, errorResp{Error: fmt.Sprintf("no runs of %q", name)})
		return
	}
	writeJSON(c, http.StatusOK, out)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/idlewatch/internal/config"
	"github.com/loykin/idlewatch/internal/history"
	"github.com/loykin/idlewatch/internal/history/factory"
	"github.com/loykin/idlewatch/internal/logger"
	"github.com/loykin/idlewatch/internal/metrics"
	"github.com/loykin/idlewatch/internal/process"
	"github.com/loykin/idlewatch/internal/server"
	"github.com/loykin/idlewatch/internal/supervisor"
	itls "github.com/loykin/idlewatch/internal/tls"
	"github.com/loykin/idlewatch/pkg/client"
	"github.com/loykin/idlewatch/pkg/template"
)

// Exit codes for outcomes that are not the child's own exit.
const (
	exitIdle        = 124
	exitEscalation  = 125
	exitInterrupted = 130
)

type command struct {
	stdout  io.Writer
	stderr  io.Writer
	signals []os.Signal
}

// loadConfig loads the config file and applies every flag of cmd that maps
// to a configuration key.
func loadConfig(path string, cmd *cobra.Command) (*config.Config, error) {
	fs := cmd.Flags()
	keys := make(map[string]string, len(flagKeys))
	for name, key := range flagKeys {
		if fs.Lookup(name) != nil {
			keys[name] = key
		}
	}
	cfg, err := config.Load(path, config.WithFlags(fs, keys))
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// Run supervises one task or ad-hoc command until it ends.
func (c command) Run(ctx context.Context, cfg *config.Config, f RunFlags, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	spec, idle, err := resolveSpec(cfg, f, args)
	if err != nil {
		return err
	}

	log, closer, err := logger.New(cfg.Logger())
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	var sink history.Sink
	if cfg.History.DSN != "" {
		sink, err = factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		if cl, ok := sink.(io.Closer); ok {
			defer func() { _ = cl.Close() }()
		}
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	var usage time.Duration
	if cfg.Metrics.Enabled || cfg.Server.Listen != "" {
		usage = cfg.Metrics.UsageInterval
	}

	sup := supervisor.New(supervisor.Config{
		Policy:           cfg.Supervision,
		Logger:           log,
		History:          sink,
		Console:          cfg.Log.Console,
		Stdout:           c.stdout,
		Stderr:           c.stderr,
		StructuredOutput: cfg.Log.Structured,
		Files:            cfg.CaptureFiles(),
		CaptureLimit:     cfg.Log.CaptureBytes,
		UsageInterval:    usage,
	})

	if len(c.signals) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, c.signals...)
		defer stop()
	}

	if cfg.Server.Listen != "" {
		tc, err := itls.Setup(cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("server tls: %w", err)
		}
		// the server outlives an interrupt so /runs reflects the escalation
		srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		h := server.NewRouter(sup, server.WithMetrics(cfg.Metrics.Enabled)).Handler()
		go func() {
			defer close(done)
			if err := server.ServeTLS(srvCtx, cfg.Server.Listen, h, tc); err != nil {
				log.Error("http server failed", "listen", cfg.Server.Listen, "error", err)
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	res, err := sup.Run(ctx, spec, supervisor.WithIdleTimeout(idle))
	return exitFor(res, err)
}

// Runs prints the runs reported by a remote agent.
func (c command) Runs(ctx context.Context, f RunsFlags) error {
	cl, err := client.New(client.Config{
		BaseURL:  f.URL,
		Timeout:  f.Timeout,
		CACert:   f.CACert,
		Insecure: f.Insecure,
	})
	if err != nil {
		return err
	}
	var runs []client.Run
	if f.Name != "" {
		runs, err = cl.RunsByName(ctx, f.Name)
		if errors.Is(err, client.ErrNotFound) {
			runs, err = []client.Run{}, nil
		}
	} else {
		runs, err = cl.Runs(ctx, f.Active)
	}
	if err != nil {
		return err
	}
	if f.Name != "" && f.Active {
		kept := runs[:0]
		for _, r := range runs {
			if r.Active() {
				kept = append(kept, r)
			}
		}
		runs = kept
	}
	return printJSON(c.stdout, runs)
}

// Init renders a starter configuration.
func (c command) Init(f InitFlags, args []string) error {
	if !process.ValidName(f.Name) {
		return fmt.Errorf("invalid task name %q, allowed [A-Za-z0-9._-]", f.Name)
	}
	b, err := template.NewGenerator().GenerateTOML(template.TemplateType(f.Type), f.Name, args...)
	if err != nil {
		return err
	}
	if f.Output == "" {
		_, err = c.stdout.Write(b)
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if f.Force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	out, err := os.OpenFile(f.Output, flags, 0o644)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := out.Write(b); err != nil {
		_ = out.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stderr, "wrote %s\n", f.Output)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resolveSpec picks the configured task or the ad-hoc command and returns
// its spec with the per-task idle timeout (zero keeps the policy's).
func resolveSpec(cfg *config.Config, f RunFlags, args []string) (process.Spec, time.Duration, error) {
	var spec process.Spec
	var idle time.Duration
	switch {
	case f.Task != "" && len(args) > 0:
		return process.Spec{}, 0, errors.New("--task and a command are mutually exclusive")
	case f.Task != "":
		t, err := cfg.Task(f.Task)
		if err != nil {
			return process.Spec{}, 0, err
		}
		spec = cfg.Spec(t)
		if !f.IdleTimeoutSet {
			idle = t.IdleTimeout
		}
	case len(args) > 0:
		spec = process.Spec{
			Name:    f.Name,
			Command: args[0],
			Args:    append([]string(nil), args[1:]...),
			Env:     append([]string(nil), cfg.Env...),
		}
	default:
		return process.Spec{}, 0, errors.New("nothing to run: use --task NAME or -- COMMAND [ARGS...]")
	}
	if f.WorkDir != "" {
		spec.WorkDir = f.WorkDir
	}
	spec.Env = append(spec.Env, f.EnvKVs...)
	if err := spec.Validate(); err != nil {
		return process.Spec{}, 0, err
	}
	return spec, idle, nil
}

// exitFor maps a supervised run to the CLI's exit status. A nil return
// means exit 0.
func exitFor(res supervisor.Result, err error) error {
	switch {
	case errors.Is(err, supervisor.ErrEscalationFailed):
		return &exitError{code: exitEscalation, err: err}
	case errors.Is(err, supervisor.ErrWaitInterrupted):
		return &exitError{code: exitInterrupted}
	case err != nil:
		return err
	}
	switch {
	case res.Outcome == supervisor.OutcomeIdleTerminated:
		return &exitError{code: exitIdle}
	case res.Exit.Code < 0:
		return &exitError{code: 1}
	case res.Exit.Code > 0:
		return &exitError{code: res.Exit.Code}
	}
	return nil
}

func printSummary(w io.Writer, path string, cfg *config.Config) error {
	if path == "" {
		path = "(defaults)"
	}
	p := cfg.Supervision
	var b strings.Builder
	fmt.Fprintf(&b, "config: %s\n", path)
	fmt.Fprintf(&b, "supervision: idle_timeout=%s graceful_wait=%s forceful_wait=%s poll_interval=%s wait_delay=%s\n",
		p.IdleTimeout, p.GracefulWait, p.ForcefulWait, p.PollInterval, p.WaitDelay)
	fmt.Fprintf(&b, "log: level=%s format=%s console=%t structured=%t", cfg.Log.Level, cfg.Log.Format, cfg.Log.Console, cfg.Log.Structured)
	if cfg.Log.OutputDir != "" {
		fmt.Fprintf(&b, " output_dir=%s", cfg.Log.OutputDir)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "history: %s\n", historyKind(cfg.History.DSN))
	if cfg.Server.Listen != "" {
		fmt.Fprintf(&b, "server: %s (metrics=%t tls=%t)\n", cfg.Server.Listen, cfg.Metrics.Enabled, cfg.Server.TLS.Enabled())
	}
	fmt.Fprintf(&b, "tasks: %d\n", len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		fmt.Fprintf(&b, "  %s: %s", t.Name, strings.Join(append([]string{t.Command}, t.Args...), " "))
		if t.IdleTimeout > 0 {
			fmt.Fprintf(&b, " (idle_timeout=%s)", t.IdleTimeout)
		}
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// historyKind names the sink type of dsn without echoing credentials.
func historyKind(dsn string) string {
	if dsn == "" {
		return "disabled"
	}
	if !strings.Contains(dsn, "://") {
		return "sqlite"
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "invalid"
	}
	return strings.ToLower(u.Scheme)
}

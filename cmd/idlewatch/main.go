package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(execute(buildRoot()))
}

// execute runs root and maps its error to a process exit code.
func execute(root *cobra.Command) int {
	err := root.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			_, _ = fmt.Fprintln(root.ErrOrStderr(), ee.err)
		}
		return ee.code
	}
	_, _ = fmt.Fprintln(root.ErrOrStderr(), err)
	return 1
}

// buildRoot creates the root command with its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	checkFlags := &CheckFlags{}
	runsFlags := &RunsFlags{}
	initFlags := &InitFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, runFlags),
		createCheckConfigCommand(globalFlags, checkFlags),
		createRunsCommand(runsFlags),
		createInitCommand(initFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "idlewatch",
		Short: "Run a command and terminate it when it stops producing output",
		Long: `Idlewatch runs a child process, relays its stdout and stderr, and
terminates it (SIGTERM, then SIGKILL) once it has been silent for longer
than the idle timeout.

Examples:
  idlewatch run --idle-timeout=30s -- ./integration-tests.sh
  idlewatch run --config=idlewatch.toml --task=nightly
  idlewatch check-config --config=idlewatch.toml`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "text", "log format: text|json|color")

	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [--task NAME | -- COMMAND [ARGS...]]",
		Short: "Run a command under inactivity supervision",
		Long: `Run a command, mirroring its output, and terminate it after a period
without output on both stdout and stderr.

Exit status is the child's own exit code when it ends by itself, 124 when it
was terminated for inactivity, 125 when it could not be terminated and 130
when idlewatch itself was interrupted.

Examples:
  idlewatch run -- sh -c 'make test'
  idlewatch run --idle-timeout=2m --graceful-wait=10s -- ./long-job
  idlewatch run --config=idlewatch.toml --task=nightly --history-dsn=sqlite:///var/lib/idlewatch/history.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags.ConfigPath, cmd)
			if err != nil {
				return err
			}
			f := *runFlags
			f.IdleTimeoutSet = cmd.Flags().Changed("idle-timeout")
			c := command{stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr(), signals: interruptSignals}
			return c.Run(cmd.Context(), cfg, f, args)
		},
	}

	cmd.Flags().StringVar(&runFlags.Task, "task", "", "run the named task from the config file")
	cmd.Flags().StringVar(&runFlags.Name, "name", "", "name for an ad-hoc command (default: command base name)")
	cmd.Flags().StringVar(&runFlags.WorkDir, "workdir", "", "working directory of the child")
	cmd.Flags().StringArrayVar(&runFlags.EnvKVs, "env", nil, "extra KEY=VALUE environment entries (repeatable)")

	cmd.Flags().DurationVar(&runFlags.IdleTimeout, "idle-timeout", 3*time.Second, "terminate after this long without output")
	cmd.Flags().DurationVar(&runFlags.GracefulWait, "graceful-wait", 30*time.Second, "wait after SIGTERM before killing")
	cmd.Flags().DurationVar(&runFlags.ForcefulWait, "forceful-wait", 30*time.Second, "wait after SIGKILL before giving up")
	cmd.Flags().StringVar(&runFlags.OutputDir, "output-dir", "", "capture stdout/stderr into rotating files in this directory")
	cmd.Flags().BoolVar(&runFlags.Console, "console", true, "mirror child output to the terminal")
	cmd.Flags().BoolVar(&runFlags.Structured, "structured", false, "log each output line through the logger")
	cmd.Flags().IntVar(&runFlags.CaptureBytes, "capture-bytes", 0, "keep up to this many output bytes in memory")
	cmd.Flags().StringVar(&runFlags.HistoryDSN, "history-dsn", "", "record run history (sqlite://, postgres://, clickhouse://, opensearch://)")
	cmd.Flags().StringVar(&runFlags.Listen, "listen", "", "serve /healthz, /runs and /metrics on this address")
	cmd.Flags().BoolVar(&runFlags.Metrics, "metrics", false, "enable Prometheus metrics")

	return cmd
}

// createCheckConfigCommand creates the check-config subcommand
func createCheckConfigCommand(globalFlags *GlobalFlags, checkFlags *CheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print a summary",
		Long: `Load the configuration file with environment overrides applied, validate
it and print the effective supervision policy and tasks.

Examples:
  idlewatch check-config --config=idlewatch.toml
  IDLEWATCH_SUPERVISION_IDLE_TIMEOUT=10s idlewatch check-config --config=idlewatch.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags.ConfigPath, cmd)
			if err != nil {
				return err
			}
			if checkFlags.Quiet {
				return nil
			}
			return printSummary(cmd.OutOrStdout(), globalFlags.ConfigPath, cfg)
		},
	}

	cmd.Flags().BoolVarP(&checkFlags.Quiet, "quiet", "q", false, "only report errors")

	return cmd
}

// createRunsCommand creates the runs subcommand
func createRunsCommand(runsFlags *RunsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the runs of an agent started with --listen",
		Long: `Query the introspection endpoint of a running idlewatch agent and print
its active and recently finished runs as JSON.

Examples:
  idlewatch runs --url=http://127.0.0.1:9090
  idlewatch runs --url=https://agent:9090 --ca-cert=certs/tls_ca.crt --name=nightly
  idlewatch runs --url=http://127.0.0.1:9090 --active`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := command{stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr()}
			return c.Runs(cmd.Context(), *runsFlags)
		},
	}

	cmd.Flags().StringVar(&runsFlags.URL, "url", "http://127.0.0.1:9090", "agent base URL")
	cmd.Flags().StringVar(&runsFlags.Name, "name", "", "only runs of this task")
	cmd.Flags().BoolVar(&runsFlags.Active, "active", false, "hide finished runs")
	cmd.Flags().StringVar(&runsFlags.CACert, "ca-cert", "", "CA certificate to trust for https")
	cmd.Flags().BoolVar(&runsFlags.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().DurationVar(&runsFlags.Timeout, "timeout", 10*time.Second, "request timeout")

	return cmd
}

// createInitCommand creates the init subcommand
func createInitCommand(initFlags *InitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [-- COMMAND [ARGS...]]",
		Short: "Write a starter configuration file",
		Long: `Generate a TOML configuration with one task, tuned for a kind of workload.
Types: simple, build, test, batch.

Examples:
  idlewatch init --type=test --name=unit -- go test ./...
  idlewatch init --type=batch --name=nightly --output=idlewatch.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := command{stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr()}
			return c.Init(*initFlags, args)
		},
	}

	cmd.Flags().StringVar(&initFlags.Type, "type", "simple", "template type")
	cmd.Flags().StringVar(&initFlags.Name, "name", "task", "task name")
	cmd.Flags().StringVarP(&initFlags.Output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&initFlags.Force, "force", false, "overwrite an existing output file")

	return cmd
}

// exitError carries a child-derived exit code out of cobra. err, when set,
// is printed before exiting.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

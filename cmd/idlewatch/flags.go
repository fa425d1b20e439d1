package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// RunFlags Flag structs to decouple cobra from logic for testing.
type RunFlags struct {
	Task    string
	Name    string
	WorkDir string
	EnvKVs  []string

	// Bound to configuration keys through flagKeys; they only take effect
	// when set on the command line.
	IdleTimeout  time.Duration
	GracefulWait time.Duration
	ForcefulWait time.Duration
	OutputDir    string
	Console      bool
	Structured   bool
	CaptureBytes int
	HistoryDSN   string
	Listen       string
	Metrics      bool

	// IdleTimeoutSet reports that --idle-timeout was given, so it wins over
	// a task's own idle_timeout.
	IdleTimeoutSet bool
}

type CheckFlags struct {
	Quiet bool
}

// flagKeys maps flag names to the configuration keys they override.
var flagKeys = map[string]string{
	"log-level":     "log.level",
	"log-format":    "log.format",
	"idle-timeout":  "supervision.idle_timeout",
	"graceful-wait": "supervision.graceful_wait",
	"forceful-wait": "supervision.forceful_wait",
	"output-dir":    "log.output_dir",
	"console":       "log.console",
	"structured":    "log.structured",
	"capture-bytes": "log.capture_bytes",
	"history-dsn":   "history.dsn",
	"listen":        "server.listen",
	"metrics":       "metrics.enabled",
}

// RunsFlags holds flags for the runs command
type RunsFlags struct {
	URL      string
	Name     string
	Active   bool
	CACert   string
	Insecure bool
	Timeout  time.Duration
}

// InitFlags holds flags for the init command
type InitFlags struct {
	Type   string
	Name   string
	Output string
	Force  bool
}

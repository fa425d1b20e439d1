// Package config loads the idlewatch TOML configuration through viper.
//
// Every key can be overridden from the environment with the IDLEWATCH_
// prefix, dots becoming underscores: IDLEWATCH_SUPERVISION_IDLE_TIMEOUT=5s.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/idlewatch/internal/env"
	"github.com/loykin/idlewatch/internal/logger"
	"github.com/loykin/idlewatch/internal/process"
	"github.com/loykin/idlewatch/internal/supervisor"
	itls "github.com/loykin/idlewatch/internal/tls"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "IDLEWATCH"

var ErrTaskNotFound = errors.New("task not found")

// Config represents the top-level TOML structure.
type Config struct {
	Supervision supervisor.Policy `toml:"supervision" mapstructure:"supervision"`
	Log         LogConfig         `toml:"log" mapstructure:"log"`
	History     HistoryConfig     `toml:"history" mapstructure:"history"`
	Metrics     MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
	// Env entries (KEY=VALUE) are passed to every task; EnvFiles are read
	// first so Env wins.
	Env      []string     `toml:"env" mapstructure:"env"`
	EnvFiles []string     `toml:"env_files" mapstructure:"env_files"`
	Tasks    []TaskConfig `toml:"tasks" mapstructure:"tasks"`
}

type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"`
	// File is the agent's own log file; stderr when empty.
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	// OutputDir receives <task>.stdout.log and <task>.stderr.log.
	OutputDir    string `toml:"output_dir" mapstructure:"output_dir"`
	Console      bool   `toml:"console" mapstructure:"console"`
	Structured   bool   `toml:"structured" mapstructure:"structured"`
	CaptureBytes int    `toml:"capture_bytes" mapstructure:"capture_bytes"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled       bool          `toml:"enabled" mapstructure:"enabled"`
	UsageInterval time.Duration `toml:"usage_interval" mapstructure:"usage_interval"`
}

type ServerConfig struct {
	Listen string      `toml:"listen" mapstructure:"listen"`
	TLS    itls.Config `toml:"tls" mapstructure:"tls"`
}

// TaskConfig is a named command that can be run under supervision.
type TaskConfig struct {
	Name        string        `toml:"name" mapstructure:"name"`
	Command     string        `toml:"command" mapstructure:"command"`
	Args        []string      `toml:"args" mapstructure:"args"`
	WorkDir     string        `toml:"workdir" mapstructure:"workdir"`
	Env         []string      `toml:"env" mapstructure:"env"`
	IdleTimeout time.Duration `toml:"idle_timeout" mapstructure:"idle_timeout"`
}

// SetDefaults registers every key with its default so that environment
// overrides apply even when the file omits the key.
func SetDefaults(v *viper.Viper) {
	p := supervisor.DefaultPolicy()
	v.SetDefault("supervision.idle_timeout", p.IdleTimeout)
	v.SetDefault("supervision.graceful_wait", p.GracefulWait)
	v.SetDefault("supervision.forceful_wait", p.ForcefulWait)
	v.SetDefault("supervision.poll_interval", p.PollInterval)
	v.SetDefault("supervision.wait_delay", p.WaitDelay)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.output_dir", "")
	v.SetDefault("log.console", true)
	v.SetDefault("log.structured", false)
	v.SetDefault("log.capture_bytes", 0)

	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.usage_interval", 5*time.Second)
	v.SetDefault("server.listen", "")
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c, err := decode(newViper())
	if err != nil {
		// defaults are static; failing to decode them is a programming error
		panic(err)
	}
	return c
}

// LoadOption adjusts the viper instance before the configuration is decoded.
type LoadOption func(*viper.Viper) error

// WithFlags binds command-line flags to configuration keys. A bound flag
// wins over the file and the environment, but only when it was set.
func WithFlags(fs *pflag.FlagSet, keys map[string]string) LoadOption {
	return func(v *viper.Viper) error {
		for name, key := range keys {
			f := fs.Lookup(name)
			if f == nil {
				return fmt.Errorf("bind flag %q: not defined", name)
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %q: %w", name, err)
			}
		}
		return nil
	}
}

// Load reads the TOML file at path (skipped when path is empty), applies
// environment and flag overrides, resolves env files and validates the result.
func Load(path string, opts ...LoadOption) (*Config, error) {
	v := newViper()
	for _, o := range opts {
		if err := o(v); err != nil {
			return nil, err
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	if path != "" {
		c.resolvePaths(filepath.Dir(path))
	}
	c.Env, err = mergeEnv(c.EnvFiles, c.Env)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// resolvePaths makes env file and TLS paths relative to the config file
// directory.
func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p != "" && !filepath.IsAbs(p) {
			return filepath.Join(base, p)
		}
		return p
	}
	for i, p := range c.EnvFiles {
		c.EnvFiles[i] = abs(p)
	}
	c.Server.TLS.CertFile = abs(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = abs(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = abs(c.Server.TLS.Dir)
}

var formats = map[string]bool{"": true, logger.FormatText: true, logger.FormatJSON: true, logger.FormatColor: true}

// Validate rejects non-positive durations, unknown log settings, tasks
// without a command and duplicate task names.
func (c *Config) Validate() error {
	if err := c.Supervision.Validate(); err != nil {
		return fmt.Errorf("supervision: %w", err)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if !formats[strings.ToLower(c.Log.Format)] {
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	if c.Log.CaptureBytes < 0 {
		return fmt.Errorf("log: capture_bytes must not be negative")
	}
	if c.Metrics.UsageInterval < 0 {
		return fmt.Errorf("metrics: usage_interval must not be negative")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("server.tls: %w", err)
	}
	seen := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
		if !process.ValidName(t.Name) {
			return fmt.Errorf("tasks[%d]: invalid name %q, allowed [A-Za-z0-9._-]", i, t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("tasks[%d]: duplicate task name %q", i, t.Name)
		}
		seen[t.Name] = true
		if strings.TrimSpace(t.Command) == "" {
			return fmt.Errorf("task %q: %w", t.Name, process.ErrEmptyCommand)
		}
		if t.IdleTimeout < 0 {
			return fmt.Errorf("task %q: idle_timeout must not be negative", t.Name)
		}
		for _, kv := range t.Env {
			if !strings.Contains(kv, "=") {
				return fmt.Errorf("task %q: env entry %q is not KEY=VALUE", t.Name, kv)
			}
		}
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env entry %q is not KEY=VALUE", kv)
		}
	}
	return nil
}

// Task returns the task called name.
func (c *Config) Task(name string) (TaskConfig, error) {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return TaskConfig{}, fmt.Errorf("%w: %q", ErrTaskNotFound, name)
}

// Spec builds the process spec of t; task env entries override global ones.
func (c *Config) Spec(t TaskConfig) process.Spec {
	env := make([]string, 0, len(c.Env)+len(t.Env))
	env = append(env, c.Env...)
	env = append(env, t.Env...)
	return process.Spec{
		Name:    t.Name,
		Command: t.Command,
		Args:    append([]string(nil), t.Args...),
		WorkDir: t.WorkDir,
		Env:     env,
	}
}

// Logger returns the logger configuration, including task capture files.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Path:   c.Log.File,
		File:   c.CaptureFiles(),
	}
}

// CaptureFiles describes the per-task output files.
func (c *Config) CaptureFiles() logger.FileConfig {
	return logger.FileConfig{
		Dir:        c.Log.OutputDir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// mergeEnv reads env files in order and applies overrides last. The result
// is sorted by key.
func mergeEnv(files []string, overrides []string) ([]string, error) {
	layers := make([][]string, 0, len(files)+1)
	for _, p := range files {
		pairs, err := env.ParseFile(p)
		if err != nil {
			return nil, err
		}
		layers = append(layers, pairs)
	}
	for _, kv := range overrides {
		if !strings.Contains(kv, "=") {
			return nil, fmt.Errorf("env entry %q is not KEY=VALUE", kv)
		}
	}
	layers = append(layers, overrides)
	return env.Compose(nil, layers...), nil
}

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/idlewatch/internal/env"
)

// Spec describes the task to run: the {command, args, workingDir} record
// produced by the task translator, plus an optional name and environment.
// The supervisor treats it as opaque; it is never tokenized or shell-expanded.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
	WorkDir string   `json:"work_dir" mapstructure:"workdir"`
	Env     []string `json:"env" mapstructure:"env"` // KEY=VALUE layered over the agent env
}

// ErrEmptyCommand is returned when a Spec has no command.
var ErrEmptyCommand = errors.New("process: empty command")

// Validate checks the fields that would otherwise fail late inside exec.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return ErrEmptyCommand
	}
	if s.Name != "" && !ValidName(s.Name) {
		return fmt.Errorf("process name %q: allowed [A-Za-z0-9._-] without '..'", s.Name)
	}
	for i, kv := range s.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("process %q: env[%d] %q must be KEY=VALUE", s.DisplayName(), i, kv)
		}
	}
	if s.WorkDir != "" {
		fi, err := os.Stat(s.WorkDir)
		if err != nil {
			return fmt.Errorf("process %q: work dir: %w", s.DisplayName(), err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("process %q: work dir %s is not a directory", s.DisplayName(), s.WorkDir)
		}
	}
	return nil
}

// DisplayName is Name, or the command's base name when no name was given.
// It names capture files, so it never contains a path separator.
func (s Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return filepath.Base(s.Command)
}

// ValidName reports whether name is usable as a task name and file name.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func ValidName(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// CommandLine renders command and args for logs.
func (s Spec) CommandLine() string {
	return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
}

// BuildCommand constructs the *exec.Cmd for the spec. Arguments are passed
// verbatim; Env entries override the agent environment and may reference it
// as ${VAR}.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- the command is the task definition itself
	cmd := exec.Command(s.Command, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = env.Compose(os.Environ(), s.Env)
	}
	configureSysProcAttr(cmd)
	return cmd
}

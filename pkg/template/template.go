// Package template generates starter idlewatch configuration files.
package template

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType represents the type of template to generate
type TemplateType string

const (
	TypeSimple TemplateType = "simple"
	TypeBasic  TemplateType = "basic"
	TypeBuild  TemplateType = "build"
	TypeTest   TemplateType = "test"
	TypeCI     TemplateType = "ci"
	TypeBatch  TemplateType = "batch"
	TypeJob    TemplateType = "job"
)

// Document is the rendered configuration file. Durations are kept as
// strings so the output reads like a hand-written file.
type Document struct {
	Supervision Supervision `toml:"supervision"`
	Log         Log         `toml:"log"`
	Tasks       []Task      `toml:"tasks"`
}

type Supervision struct {
	IdleTimeout  string `toml:"idle_timeout"`
	GracefulWait string `toml:"graceful_wait"`
	ForcefulWait string `toml:"forceful_wait"`
}

type Log struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Console    bool   `toml:"console"`
	Structured bool   `toml:"structured"`
	OutputDir  string `toml:"output_dir,omitempty"`
}

type Task struct {
	Name        string   `toml:"name"`
	Command     string   `toml:"command"`
	Args        []string `toml:"args,omitempty"`
	WorkDir     string   `toml:"workdir,omitempty"`
	Env         []string `toml:"env,omitempty"`
	IdleTimeout string   `toml:"idle_timeout,omitempty"`
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a configuration for one task called name. command
// replaces the template's example command when given.
func (g *Generator) Generate(templateType TemplateType, name string, command ...string) (*Document, error) {
	var doc *Document
	switch templateType {
	case TypeSimple, TypeBasic:
		doc = g.generateSimpleTemplate(name)
	case TypeBuild:
		doc = g.generateBuildTemplate(name)
	case TypeTest, TypeCI:
		doc = g.generateTestTemplate(name)
	case TypeBatch, TypeJob:
		doc = g.generateBatchTemplate(name)
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: %s)", templateType, strings.Join(g.GetSupportedTypes(), ", "))
	}
	if len(command) > 0 && command[0] != "" {
		doc.Tasks[0].Command = command[0]
		doc.Tasks[0].Args = append([]string(nil), command[1:]...)
	}
	return doc, nil
}

// GenerateTOML renders the template as a TOML configuration file.
func (g *Generator) GenerateTOML(templateType TemplateType, name string, command ...string) ([]byte, error) {
	doc, err := g.Generate(templateType, name, command...)
	if err != nil {
		return nil, err
	}
	b, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return b, nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeSimple),
		string(TypeBuild),
		string(TypeTest),
		string(TypeBatch),
	}
}

func baseDocument(idle, graceful string) *Document {
	return &Document{
		Supervision: Supervision{IdleTimeout: idle, GracefulWait: graceful, ForcefulWait: "30s"},
		Log:         Log{Level: "info", Format: "text", Console: true},
	}
}

// Helper functions to create specific templates

func (g *Generator) generateSimpleTemplate(name string) *Document {
	doc := baseDocument("3s", "30s")
	doc.Tasks = []Task{{Name: name, Command: "echo", Args: []string{"hello"}}}
	return doc
}

// builds print little while linking; allow long quiet stretches
func (g *Generator) generateBuildTemplate(name string) *Document {
	doc := baseDocument("10m", "30s")
	doc.Tasks = []Task{{
		Name:    name,
		Command: "make",
		Args:    []string{"all"},
		WorkDir: ".",
		Env:     []string{"MAKEFLAGS=-j4"},
	}}
	return doc
}

func (g *Generator) generateTestTemplate(name string) *Document {
	doc := baseDocument("5m", "1m")
	doc.Log.OutputDir = "logs"
	doc.Tasks = []Task{{
		Name:    name,
		Command: "go",
		Args:    []string{"test", "./..."},
		Env:     []string{"CI=true"},
	}}
	return doc
}

func (g *Generator) generateBatchTemplate(name string) *Document {
	doc := baseDocument("30m", "2m")
	doc.Log.Format = "json"
	doc.Log.Structured = true
	doc.Log.Console = false
	doc.Log.OutputDir = "logs"
	doc.Tasks = []Task{{
		Name:        name,
		Command:     "./run-batch.sh",
		IdleTimeout: "1h",
	}}
	return doc
}

// Package config loads the SMILE configuration document: the tutorial path,
// runner backend selection, iteration/timeout limits, and student-behavior
// knobs described in spec.md §6. Parsing the document is a thin external
// concern (the core treats Config as a read-only handle); this package is
// the adapter the Supervisor and tests use to produce one.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider identifies which runner backend is used inside the isolation
// environment.
type Provider string

// Recognized providers.
const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
	ProviderGemini Provider = "gemini"
)

func (p Provider) valid() bool {
	switch p {
	case ProviderClaude, ProviderCodex, ProviderGemini:
		return true
	default:
		return false
	}
}

// PatienceLevel is emitted in the Student prompt; the core does not enforce
// it.
type PatienceLevel string

// Recognized patience levels.
const (
	PatienceLow    PatienceLevel = "low"
	PatienceMedium PatienceLevel = "medium"
	PatienceHigh   PatienceLevel = "high"
)

func (p PatienceLevel) valid() bool {
	switch p {
	case PatienceLow, PatienceMedium, PatienceHigh, "":
		return true
	default:
		return false
	}
}

// StudentBehavior holds prompt-composition knobs the Controller passes
// through verbatim; only TimeoutSeconds is enforced by the core.
type StudentBehavior struct {
	MaxRetriesBeforeHelp int           `yaml:"maxRetriesBeforeHelp"`
	AskOnAmbiguity       bool          `yaml:"askOnAmbiguity"`
	AskOnMissingTool     bool          `yaml:"askOnMissingTool"`
	AskOnVersionConflict bool          `yaml:"askOnVersionConflict"`
	TimeoutSeconds       int           `yaml:"timeoutSeconds"`
	PatienceLevel        PatienceLevel `yaml:"patienceLevel"`
}

// ContainerOptions controls destroy-time container retention policy.
type ContainerOptions struct {
	KeepOnFailure bool `yaml:"keepOnFailure"`
	KeepOnSuccess bool `yaml:"keepOnSuccess"`
}

// Config is the read-only handle described in spec.md §3/§6.
type Config struct {
	Tutorial        string           `yaml:"tutorial"`
	LLMProvider     Provider         `yaml:"llmProvider"`
	MaxIterations   int              `yaml:"maxIterations"`
	TimeoutSeconds  int              `yaml:"timeout"`
	ContainerImage  string           `yaml:"containerImage"`
	StudentBehavior StudentBehavior  `yaml:"studentBehavior"`
	Container       ContainerOptions `yaml:"container"`
	StateFile       string           `yaml:"stateFile"`
	OutputDir       string           `yaml:"outputDir"`

	// raw holds the whole decoded document, unrecognized root-level keys
	// included; never consulted by the core and never marshaled back out.
	raw map[string]any `yaml:"-"`
}

// GlobalTimeout returns the configured global timeout as a duration.
func (c *Config) GlobalTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StepTimeout returns the configured per-step (Student/Mentor) timeout.
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.StudentBehavior.TimeoutSeconds) * time.Second
}

// Load reads and validates a configuration document from path. Unknown
// root-level keys and unknown keys in recognized nested objects are
// ignored; invalid enum values fail validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes a configuration document already in memory.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.raw = raw
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyDefaults(c *Config) {
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 3600
	}
	if c.StudentBehavior.TimeoutSeconds == 0 {
		c.StudentBehavior.TimeoutSeconds = 600
	}
	if c.StudentBehavior.MaxRetriesBeforeHelp == 0 {
		c.StudentBehavior.MaxRetriesBeforeHelp = 3
	}
	if c.StateFile == "" {
		c.StateFile = ".smile/state.json"
	}
	if c.OutputDir == "" {
		c.OutputDir = ".smile"
	}
}

// Validate checks enum values and numeric bounds named in spec.md §6.
func (c *Config) Validate() error {
	if c.LLMProvider != "" && !c.LLMProvider.valid() {
		return fmt.Errorf("invalid llmProvider %q: want one of claude, codex, gemini", c.LLMProvider)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("maxIterations must be >= 1, got %d", c.MaxIterations)
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout must be >= 1, got %d", c.TimeoutSeconds)
	}
	if c.StudentBehavior.TimeoutSeconds < 1 {
		return fmt.Errorf("studentBehavior.timeoutSeconds must be >= 1, got %d", c.StudentBehavior.TimeoutSeconds)
	}
	if c.StudentBehavior.MaxRetriesBeforeHelp < 1 {
		return fmt.Errorf("studentBehavior.maxRetriesBeforeHelp must be >= 1, got %d", c.StudentBehavior.MaxRetriesBeforeHelp)
	}
	if !c.StudentBehavior.PatienceLevel.valid() {
		return fmt.Errorf("invalid studentBehavior.patienceLevel %q: want one of low, medium, high", c.StudentBehavior.PatienceLevel)
	}
	return nil
}

// Digest is a stable string derived from llmProvider, maxIterations,
// timeout, containerImage, studentBehavior.timeoutSeconds and
// studentBehavior.patienceLevel, used to build the workspace fingerprint
// (spec.md §3). The other recognized fields do not enter it, and it
// ignores the raw unknown-key map: unrecognized keys do not change resume
// eligibility.
func (c *Config) Digest() string {
	return fmt.Sprintf("%s|%d|%d|%s|%d|%s",
		c.LLMProvider, c.MaxIterations, c.TimeoutSeconds, c.ContainerImage,
		c.StudentBehavior.TimeoutSeconds, c.StudentBehavior.PatienceLevel)
}

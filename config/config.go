// Package config provides configuration loading and management for nova.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/nova/llm"
	"github.com/c360studio/nova/model"
	"github.com/c360studio/nova/workflow"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendNATS   = "nats"
)

// Config represents the complete nova configuration.
type Config struct {
	Project     ProjectConfig                    `yaml:"project" koanf:"project"`
	Pipeline    PipelineConfig                   `yaml:"pipeline" koanf:"pipeline"`
	Retry       llm.RetryConfig                  `yaml:"retry" koanf:"retry"`
	Models      map[string]*model.EndpointConfig `yaml:"models" koanf:"models"`
	Storage     StorageConfig                    `yaml:"storage" koanf:"storage"`
	Events      EventsConfig                     `yaml:"events" koanf:"events"`
	Metrics     MetricsConfig                    `yaml:"metrics" koanf:"metrics"`
	VCS         VCSConfig                        `yaml:"vcs" koanf:"vcs"`
	Preferences PreferencesConfig                `yaml:"preferences" koanf:"preferences"`

	// ModelsFile is a JSON models file ({"roles": {...}}) whose roles replace
	// entries of the models section.
	ModelsFile string `yaml:"models_file,omitempty" koanf:"models_file"`
}

// ProjectConfig identifies the project and its working tree.
type ProjectConfig struct {
	// Name is the project name used in state keys.
	Name string `yaml:"name" koanf:"name"`
	// Root is the repository root (auto-detected from git if empty).
	Root string `yaml:"root" koanf:"root"`
}

// PipelineConfig configures the pipeline runner.
type PipelineConfig struct {
	// Workers bounds how many tasks of a batch run at once.
	Workers int `yaml:"workers" koanf:"workers"`
	// ContractRetries is how many malformed responses a role may return per invocation.
	ContractRetries int `yaml:"contract_retries" koanf:"contract_retries"`
	// CommandTimeout limits each build or validation command.
	CommandTimeout time.Duration `yaml:"command_timeout" koanf:"command_timeout"`
	// OutputTail is how many trailing characters of command output are kept.
	OutputTail int `yaml:"output_tail" koanf:"output_tail"`
	// Unattended skips the gate between batches.
	Unattended bool `yaml:"unattended" koanf:"unattended"`
	// ProtectedPaths are doublestar globs file operations may not touch.
	ProtectedPaths []string `yaml:"protected_paths" koanf:"protected_paths"`
	// ContextTokens is the model context window used to budget prompts.
	ContextTokens int `yaml:"context_tokens" koanf:"context_tokens"`
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	// Backend is file, badger or nats.
	Backend string `yaml:"backend" koanf:"backend"`
	// Path is the state directory for file and badger, relative to the project root.
	Path string `yaml:"path" koanf:"path"`
	// Bucket is the JetStream KV bucket for the nats backend.
	Bucket string `yaml:"bucket" koanf:"bucket"`
}

// EventsConfig configures the NATS event publisher.
type EventsConfig struct {
	// NATSURL is the server URL. Empty disables events unless Embedded is set.
	NATSURL string `yaml:"nats_url" koanf:"nats_url"`
	// Embedded starts an in-process NATS server.
	Embedded bool `yaml:"embedded" koanf:"embedded"`
	// SubjectPrefix prefixes every event subject.
	SubjectPrefix string `yaml:"subject_prefix" koanf:"subject_prefix"`
}

// Enabled reports whether events should be published.
func (e EventsConfig) Enabled() bool {
	return e.NATSURL != "" || e.Embedded
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address, e.g. ":9090". Empty disables the endpoint.
	Addr string `yaml:"addr" koanf:"addr"`
}

// VCSConfig configures task commits.
type VCSConfig struct {
	Enabled     bool   `yaml:"enabled" koanf:"enabled"`
	AuthorName  string `yaml:"author_name" koanf:"author_name"`
	AuthorEmail string `yaml:"author_email" koanf:"author_email"`
}

// PreferencesConfig points at the preference files.
type PreferencesConfig struct {
	// Framework is the framework-wide preferences file.
	Framework string `yaml:"framework" koanf:"framework"`
	// Project is the project preferences file. It may not override must_* keys.
	Project string `yaml:"project" koanf:"project"`
	// KnowledgeDir holds markdown lessons added to prompts.
	KnowledgeDir string `yaml:"knowledge_dir" koanf:"knowledge_dir"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Workers:         2,
			ContractRetries: 3,
			CommandTimeout:  300 * time.Second,
			OutputTail:      2000,
			ProtectedPaths:  []string{".git/**", ".nova/**"},
			ContextTokens:   180_000,
		},
		Retry:  llm.DefaultRetryConfig(),
		Models: model.DefaultEndpoints(),
		Storage: StorageConfig{
			Backend: BackendFile,
			Path:    ".nova/state",
		},
		Events: EventsConfig{
			SubjectPrefix: "nova",
		},
		VCS: VCSConfig{
			Enabled:     true,
			AuthorName:  "nova",
			AuthorEmail: "nova@localhost",
		},
		Preferences: PreferencesConfig{
			Framework:    ".nova/preferences/framework.yaml",
			Project:      ".nova/preferences/project.yaml",
			KnowledgeDir: ".nova/knowledge",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	if c.Project.Name != "" {
		if err := workflow.ValidateProject(c.Project.Name); err != nil {
			errs = append(errs, fmt.Errorf("project.name: %w", err))
		}
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be at least 1"))
	}
	if c.Pipeline.ContractRetries < 1 {
		errs = append(errs, fmt.Errorf("pipeline.contract_retries must be at least 1"))
	}
	if c.Pipeline.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.command_timeout must be positive"))
	}
	if c.Pipeline.OutputTail < 0 {
		errs = append(errs, fmt.Errorf("pipeline.output_tail must be non-negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_multiplier must be at least 1"))
	}
	switch c.Storage.Backend {
	case BackendFile, BackendBadger:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend))
		}
	case BackendNATS:
		if !c.Events.Enabled() {
			errs = append(errs, fmt.Errorf("storage backend nats needs events.nats_url or events.embedded"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be file, badger or nats, got %q", c.Storage.Backend))
	}
	for _, role := range []string{model.RoleImplementer, model.RoleValidator, model.RolePlanner} {
		ep, ok := c.Models[role]
		if !ok || ep == nil {
			errs = append(errs, fmt.Errorf("models.%s is required", role))
			continue
		}
		if err := ep.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("models.%s: %w", role, err))
		}
	}
	return errors.Join(errs...)
}

// Registry builds the model registry from the models section.
func (c *Config) Registry() *model.Registry {
	return model.NewRegistry(c.Models)
}

// ResolvePath makes p absolute against the project root.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Project.Root, p)
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

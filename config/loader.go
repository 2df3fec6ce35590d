package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/c360studio/nova/model"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "nova.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/nova"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes environment overrides, e.g. NOVA_PIPELINE_WORKERS.
	EnvPrefix = "NOVA_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
//  1. Default config
//  2. User config (~/.config/nova/config.yaml)
//  3. Project config (nova.yaml in startDir or its parents), or explicitPath when set
//  4. Environment variables (NOVA_SECTION_FIELD)
func (l *Loader) Load(startDir, explicitPath string) (*Config, error) {
	k := koanf.New(".")

	defaults, err := yamlv3.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if userPath := l.userConfigPath(); userPath != "" {
		if err := l.loadFile(k, userPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userPath))
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	projectPath := explicitPath
	if projectPath == "" {
		projectPath = findProjectConfig(startDir)
	}
	if projectPath != "" {
		if err := l.loadFile(k, projectPath); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded project config", slog.String("path", projectPath))
	} else {
		l.logger.Debug("No project config found")
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Project.Root == "" {
		switch {
		case projectPath != "":
			cfg.Project.Root = filepath.Dir(projectPath)
		default:
			cfg.Project.Root = detectGitRoot(startDir)
		}
	}
	if cfg.Project.Root == "" {
		cfg.Project.Root = startDir
	}
	if abs, err := filepath.Abs(cfg.Project.Root); err == nil {
		cfg.Project.Root = abs
	}
	if cfg.Project.Name == "" {
		cfg.Project.Name = projectNameFromDir(cfg.Project.Root)
	}

	if cfg.ModelsFile != "" {
		if err := mergeModelsFile(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadFile merges a YAML file into k. Missing files return os.ErrNotExist.
func (l *Loader) loadFile(k *koanf.Koanf, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// envKey maps NOVA_PIPELINE_COMMAND_TIMEOUT to pipeline.command_timeout and
// NOVA_MODELS_PLANNER_MAX_TOKENS to models.planner.max_tokens.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	section, field := parts[0], parts[1]
	if section == "models" {
		if role, rest, ok := strings.Cut(field, "_"); ok {
			return section + "." + role + "." + rest
		}
	}
	return section + "." + field
}

// mergeModelsFile replaces configured roles with those of the models file.
func mergeModelsFile(cfg *Config) error {
	reg, err := model.LoadFromFile(cfg.ResolvePath(cfg.ModelsFile))
	if err != nil {
		return err
	}
	if cfg.Models == nil {
		cfg.Models = make(map[string]*model.EndpointConfig)
	}
	for _, role := range reg.Roles() {
		ep, err := reg.Endpoint(role)
		if err != nil {
			return err
		}
		cfg.Models[role] = ep
	}
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for nova.yaml in dir and its parents.
func findProjectConfig(dir string) string {
	if dir == "" {
		return ""
	}
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// detectGitRoot finds the enclosing git worktree root.
func detectGitRoot(dir string) string {
	if dir == "" {
		return ""
	}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	wt, err := repo.Worktree()
	if err != nil {
		return ""
	}
	return wt.Filesystem.Root()
}

// projectNameFromDir derives a valid project name from a directory name.
func projectNameFromDir(dir string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(filepath.Base(dir)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if len(name) > 50 {
		name = strings.Trim(name[:50], "-")
	}
	if name == "" {
		return "project"
	}
	return name
}

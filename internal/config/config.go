// Package config handles configuration loading and management for ralph.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProjectFile is the per-project override file name.
const ProjectFile = ".ralph.yaml"

// Config holds all configuration for ralph.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Loop     LoopConfig     `mapstructure:"loop"`
	Review   ReviewConfig   `mapstructure:"review"`
	Git      GitConfig      `mapstructure:"git"`
	Backlog  BacklogConfig  `mapstructure:"backlog"`
	Progress ProgressConfig `mapstructure:"progress"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	API      APIConfig      `mapstructure:"api"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// AgentConfig selects and tunes the coding agent.
type AgentConfig struct {
	// Backend is claude, cursor or api.
	Backend      string        `mapstructure:"backend"`
	Model        string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	AllowNetwork bool          `mapstructure:"allow_network"`
	AllowedTools []string      `mapstructure:"allowed_tools"`
	// TailLines is how much trailing output error messages carry.
	TailLines      int      `mapstructure:"tail_lines"`
	ClaudeBinary   string   `mapstructure:"claude_binary"`
	CursorBinaries []string `mapstructure:"cursor_binaries"`
}

// LoopConfig bounds the story loop.
type LoopConfig struct {
	MaxIterations  int           `mapstructure:"max_iterations"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	IterationDelay time.Duration `mapstructure:"iteration_delay"`
}

// ReviewConfig holds review gate settings. An empty Backend reuses the
// coding agent's backend.
type ReviewConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	Model   string `mapstructure:"model"`
}

// GitConfig holds branch management settings. An empty BaseBranch means
// the branch checked out when the run starts.
type GitConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	BaseBranch   string `mapstructure:"base_branch"`
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// BacklogConfig locates the backlog file. An empty Path means discovery
// in the project root.
type BacklogConfig struct {
	Path string `mapstructure:"path"`
}

// ProgressConfig holds progress log settings.
type ProgressConfig struct {
	DigestTokens int `mapstructure:"digest_tokens"`
}

// RecoveryConfig names the failure policies.
type RecoveryConfig struct {
	Branch    string `mapstructure:"branch"`
	OnFailure string `mapstructure:"on_failure"`
}

// APIConfig holds settings for the api backend.
type APIConfig struct {
	Key        string `mapstructure:"key"`
	Bedrock    bool   `mapstructure:"bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
}

// MetricsConfig holds the Prometheus endpoint address. Empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (RALPH_*, ANTHROPIC_API_KEY)
// 2. Project config (.ralph.yaml in projectDir or a parent)
// 3. User config (~/.config/ralph/config.yaml)
// 4. Built-in defaults
func Load(projectDir string) (*Config, error) {
	v := newViper()

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(projectDir); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// RALPH_LOOP_MAX_ATTEMPTS overrides loop.max_attempts, and so on.
	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("api.key", "RALPH_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.API.Key = expandEnv(cfg.API.Key)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the loop cannot run with.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Agent.Backend) == "":
		return errors.New("agent.backend must not be empty")
	case c.Agent.Timeout < 0:
		return fmt.Errorf("agent.timeout must not be negative, got %s", c.Agent.Timeout)
	case c.Loop.MaxAttempts < 1:
		return fmt.Errorf("loop.max_attempts must be at least 1, got %d", c.Loop.MaxAttempts)
	case c.Loop.MaxIterations < 0:
		return fmt.Errorf("loop.max_iterations must not be negative, got %d", c.Loop.MaxIterations)
	case c.Loop.IterationDelay < 0:
		return fmt.Errorf("loop.iteration_delay must not be negative, got %s", c.Loop.IterationDelay)
	case c.Git.BranchPrefix == "":
		return errors.New("git.branch_prefix must not be empty")
	}
	switch c.Recovery.Branch {
	case "", "discard", "keep":
	default:
		return fmt.Errorf("recovery.branch must be discard or keep, got %q", c.Recovery.Branch)
	}
	switch c.Recovery.OnFailure {
	case "", "continue", "abort":
	default:
		return fmt.Errorf("recovery.on_failure must be continue or abort, got %q", c.Recovery.OnFailure)
	}
	return nil
}

// Save writes cfg to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveTo writes cfg as YAML to path. The API key is left out unless it
// is a ${VAR} reference.
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("agent.backend", cfg.Agent.Backend)
	v.Set("agent.model", cfg.Agent.Model)
	v.Set("agent.timeout", cfg.Agent.Timeout.String())
	v.Set("agent.allow_network", cfg.Agent.AllowNetwork)
	v.Set("agent.allowed_tools", cfg.Agent.AllowedTools)
	v.Set("agent.tail_lines", cfg.Agent.TailLines)
	v.Set("loop.max_iterations", cfg.Loop.MaxIterations)
	v.Set("loop.max_attempts", cfg.Loop.MaxAttempts)
	v.Set("loop.iteration_delay", cfg.Loop.IterationDelay.String())
	v.Set("review.enabled", cfg.Review.Enabled)
	v.Set("review.backend", cfg.Review.Backend)
	v.Set("review.model", cfg.Review.Model)
	v.Set("git.enabled", cfg.Git.Enabled)
	v.Set("git.base_branch", cfg.Git.BaseBranch)
	v.Set("git.branch_prefix", cfg.Git.BranchPrefix)
	v.Set("backlog.path", cfg.Backlog.Path)
	v.Set("progress.digest_tokens", cfg.Progress.DigestTokens)
	v.Set("recovery.branch", cfg.Recovery.Branch)
	v.Set("recovery.on_failure", cfg.Recovery.OnFailure)
	v.Set("api.bedrock", cfg.API.Bedrock)
	v.Set("api.aws_region", cfg.API.AWSRegion)
	v.Set("api.aws_profile", cfg.API.AWSProfile)
	v.Set("api.max_tokens", cfg.API.MaxTokens)
	v.Set("metrics.addr", cfg.Metrics.Addr)
	if strings.HasPrefix(cfg.API.Key, "${") {
		v.Set("api.key", cfg.API.Key)
	}

	return v.WriteConfigAs(path)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the project config file for projectDir if
// one exists.
func GetProjectConfigPath(projectDir string) string {
	return findProjectConfig(projectDir)
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("agent.backend", d.Agent.Backend)
	v.SetDefault("agent.model", d.Agent.Model)
	v.SetDefault("agent.timeout", d.Agent.Timeout.String())
	v.SetDefault("agent.allow_network", d.Agent.AllowNetwork)
	v.SetDefault("agent.allowed_tools", d.Agent.AllowedTools)
	v.SetDefault("agent.tail_lines", d.Agent.TailLines)
	v.SetDefault("agent.claude_binary", "")
	v.SetDefault("agent.cursor_binaries", []string{})

	v.SetDefault("loop.max_iterations", d.Loop.MaxIterations)
	v.SetDefault("loop.max_attempts", d.Loop.MaxAttempts)
	v.SetDefault("loop.iteration_delay", d.Loop.IterationDelay.String())

	v.SetDefault("review.enabled", d.Review.Enabled)
	v.SetDefault("review.backend", "")
	v.SetDefault("review.model", "")

	v.SetDefault("git.enabled", d.Git.Enabled)
	v.SetDefault("git.base_branch", "")
	v.SetDefault("git.branch_prefix", d.Git.BranchPrefix)

	v.SetDefault("backlog.path", "")
	v.SetDefault("progress.digest_tokens", d.Progress.DigestTokens)

	v.SetDefault("recovery.branch", d.Recovery.Branch)
	v.SetDefault("recovery.on_failure", d.Recovery.OnFailure)

	v.SetDefault("api.key", "")
	v.SetDefault("api.bedrock", false)
	v.SetDefault("api.aws_region", "")
	v.SetDefault("api.aws_profile", "")
	v.SetDefault("api.max_tokens", d.API.MaxTokens)

	v.SetDefault("metrics.addr", "")
}

// getUserConfigDir returns the XDG config directory for ralph.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ralph")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "ralph")
	}
	return filepath.Join(home, ".config", "ralph")
}

// findProjectConfig searches for .ralph.yaml in dir and its parents. An
// empty dir starts at the working directory.
func findProjectConfig(dir string) string {
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ProjectFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Backend:      "claude",
			Timeout:      30 * time.Minute,
			AllowNetwork: true,
			AllowedTools: []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"},
			TailLines:    40,
		},
		Loop: LoopConfig{
			MaxIterations:  50,
			MaxAttempts:    3,
			IterationDelay: 2 * time.Second,
		},
		Git: GitConfig{
			Enabled:      true,
			BranchPrefix: "ralph",
		},
		Progress: ProgressConfig{
			DigestTokens: 2000,
		},
		Recovery: RecoveryConfig{
			Branch:    "discard",
			OnFailure: "continue",
		},
		API: APIConfig{
			MaxTokens: 4096,
		},
	}
}

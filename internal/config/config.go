// Package config handles configuration loading and management for Kagan.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the automation core.
type Config struct {
	Automation AutomationConfig `mapstructure:"automation"`
	Git        GitConfig        `mapstructure:"git"`
	Models     ModelsConfig     `mapstructure:"models"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Timeouts   TimeoutsConfig   `mapstructure:"timeouts"`
}

// AutomationConfig holds scheduler and run-loop settings.
type AutomationConfig struct {
	// MaxConcurrentAgents caps how many AUTO tasks run in parallel.
	MaxConcurrentAgents int `mapstructure:"max_concurrent_agents"`
	// MaxIterations is the per-session iteration ceiling.
	MaxIterations int `mapstructure:"max_iterations"`
	// IterationDelay is the pause between iterations.
	IterationDelay time.Duration `mapstructure:"iteration_delay"`
	// AutoApprove forwards permission auto-grant to the agent.
	AutoApprove bool `mapstructure:"auto_approve"`
	// AutoReview triggers the reviewer when a task reaches REVIEW.
	AutoReview bool `mapstructure:"auto_review"`
	// AutoMerge triggers a merge after an approved review.
	AutoMerge bool `mapstructure:"auto_merge"`
	// AutoRetryOnMergeConflict rebases and re-runs on merge conflicts.
	AutoRetryOnMergeConflict bool `mapstructure:"auto_retry_on_merge_conflict"`
	// AutoStart re-admits pre-existing IN_PROGRESS AUTO tasks at startup.
	AutoStart bool `mapstructure:"auto_start"`
}

// GitConfig holds repository settings.
type GitConfig struct {
	// DefaultBaseBranch is used when a task has no base branch override.
	DefaultBaseBranch string `mapstructure:"default_base_branch"`
}

// ModelsConfig holds per-backend default model ids.
type ModelsConfig struct {
	// DefaultModelClaude is applied when the agent identity contains "claude".
	DefaultModelClaude string `mapstructure:"default_model_claude"`
	// DefaultModelOpencode is applied when the agent identity contains "opencode".
	DefaultModelOpencode string `mapstructure:"default_model_opencode"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	// DataDir is where the state database lives.
	DataDir string `mapstructure:"data_dir"`
	// WorktreeDir is the base directory for task worktrees.
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// TimeoutsConfig holds timeout settings.
type TimeoutsConfig struct {
	// AgentReady bounds the wait for agent readiness after start.
	AgentReady time.Duration `mapstructure:"agent_ready"`
	// JobSubmit is how long UI job submitters wait for a terminal status
	// before reporting "queued; awaiting scheduler".
	JobSubmit time.Duration `mapstructure:"job_submit"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (KAGAN_*)
// 2. Project config (.kagan.yaml in current directory or parent)
// 3. User config (~/.config/kagan/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Project config takes precedence over the user config.
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("KAGAN")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("automation.max_concurrent_agents", 3)
	v.SetDefault("automation.max_iterations", 10)
	v.SetDefault("automation.iteration_delay", "2s")
	v.SetDefault("automation.auto_approve", true)
	v.SetDefault("automation.auto_review", true)
	v.SetDefault("automation.auto_merge", false)
	v.SetDefault("automation.auto_retry_on_merge_conflict", true)
	v.SetDefault("automation.auto_start", false)

	v.SetDefault("git.default_base_branch", "main")

	v.SetDefault("models.default_model_claude", "")
	v.SetDefault("models.default_model_opencode", "")

	v.SetDefault("paths.data_dir", defaultDataDir())
	v.SetDefault("paths.worktree_dir", defaultWorktreeDir())

	v.SetDefault("timeouts.agent_ready", "60s")
	v.SetDefault("timeouts.job_submit", "600ms")
}

// getUserConfigDir returns the XDG config directory for Kagan.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "kagan")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "kagan")
	}
	return filepath.Join(home, ".config", "kagan")
}

// defaultDataDir returns the XDG data directory for Kagan.
func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "kagan")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "kagan")
	}
	return filepath.Join(home, ".local", "share", "kagan")
}

// defaultWorktreeDir returns the base directory for task worktrees.
func defaultWorktreeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".cache", "kagan", "worktrees")
	}
	return filepath.Join(home, ".cache", "kagan", "worktrees")
}

// findProjectConfig searches for .kagan.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".kagan.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Automation: AutomationConfig{
			MaxConcurrentAgents:      3,
			MaxIterations:            10,
			IterationDelay:           2 * time.Second,
			AutoApprove:              true,
			AutoReview:               true,
			AutoMerge:                false,
			AutoRetryOnMergeConflict: true,
			AutoStart:                false,
		},
		Git: GitConfig{
			DefaultBaseBranch: "main",
		},
		Paths: PathsConfig{
			DataDir:     defaultDataDir(),
			WorktreeDir: defaultWorktreeDir(),
		},
		Timeouts: TimeoutsConfig{
			AgentReady: 60 * time.Second,
			JobSubmit:  600 * time.Millisecond,
		},
	}
}

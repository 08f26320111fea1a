// Package config loads the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Triggers  TriggersConfig  `yaml:"triggers"`
	Execution ExecutionConfig `yaml:"execution"`
	AI        AIConfig        `yaml:"ai"`
}

// DatabaseConfig configures the SQLite backend
type DatabaseConfig struct {
	// Path is the database file path (default: ".skein/skein.db")
	Path string `yaml:"path"`
}

// SandboxConfig configures workspace isolation
type SandboxConfig struct {
	// Root is the directory workspaces are created under (default: ".sandboxes")
	Root string `yaml:"root"`
	// BranchPrefix prefixes generated branch names (default: "skein/")
	BranchPrefix string `yaml:"branch_prefix"`
}

// TriggersConfig configures the trigger store and scheduler
type TriggersConfig struct {
	// Dirs are the directories watched for trigger YAML files
	Dirs []string `yaml:"dirs"`
	// Debounce coalesces rapid file events per directory (default: "100ms")
	Debounce string `yaml:"debounce,omitempty"`
	// TickInterval is the scheduler evaluation cadence (default: "1m")
	TickInterval string `yaml:"tick_interval,omitempty"`
}

// ExecutionConfig configures step execution
type ExecutionConfig struct {
	// MaxStepAttempts is the retry budget per step (default: 3)
	MaxStepAttempts int `yaml:"max_step_attempts"`
	// DefaultMaxParallel caps concurrent steps per story (default: 2)
	DefaultMaxParallel int `yaml:"default_max_parallel"`
}

// AIConfig configures the Anthropic collaborators
type AIConfig struct {
	// Model overrides the default model (the API key always comes from
	// the ANTHROPIC_API_KEY environment variable, never the file)
	Model string `yaml:"model,omitempty"`
}

// DefaultConfig returns the default daemon configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: ".skein/skein.db"},
		Sandbox:  SandboxConfig{Root: ".sandboxes", BranchPrefix: "skein/"},
		Triggers: TriggersConfig{
			Dirs:         []string{".skein/triggers"},
			Debounce:     "100ms",
			TickInterval: "1m",
		},
		Execution: ExecutionConfig{
			MaxStepAttempts:    3,
			DefaultMaxParallel: 2,
		},
	}
}

// Load reads configuration from a YAML file, filling unset fields with
// defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Execution.MaxStepAttempts < 1 {
		return fmt.Errorf("execution.max_step_attempts must be >= 1 (got %d)", c.Execution.MaxStepAttempts)
	}
	if c.Execution.DefaultMaxParallel < 1 {
		return fmt.Errorf("execution.default_max_parallel must be >= 1 (got %d)", c.Execution.DefaultMaxParallel)
	}
	if _, err := c.DebounceDuration(); err != nil {
		return err
	}
	if _, err := c.TickDuration(); err != nil {
		return err
	}
	return nil
}

// DebounceDuration parses the trigger debounce setting
func (c *Config) DebounceDuration() (time.Duration, error) {
	if c.Triggers.Debounce == "" {
		return 100 * time.Millisecond, nil
	}
	d, err := time.ParseDuration(c.Triggers.Debounce)
	if err != nil {
		return 0, fmt.Errorf("invalid triggers.debounce %q: %w", c.Triggers.Debounce, err)
	}
	return d, nil
}

// TickDuration parses the scheduler tick interval
func (c *Config) TickDuration() (time.Duration, error) {
	if c.Triggers.TickInterval == "" {
		return time.Minute, nil
	}
	d, err := time.ParseDuration(c.Triggers.TickInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid triggers.tick_interval %q: %w", c.Triggers.TickInterval, err)
	}
	return d, nil
}

// SaveDefault writes the default configuration to a file, refusing to
// overwrite an existing one
func SaveDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

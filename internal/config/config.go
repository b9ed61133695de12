// Package config loads and validates sceneforge configuration from
// sceneforge.yaml. Every field has a working default so a missing file is not
// an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all sceneforge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM       LLMConfig       `yaml:"llm"`
	Renderer  RendererConfig  `yaml:"renderer"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Repair    RepairConfig    `yaml:"repair"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the generative model client.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     string  `yaml:"timeout"`
	MaxRetries  int     `yaml:"max_retries"`
}

// RendererConfig configures the external render binary and the sandbox.
type RendererConfig struct {
	Binary         string `yaml:"binary"`
	OutputDir      string `yaml:"output_dir"`
	ArtifactExt    string `yaml:"artifact_ext"`
	AttemptTimeout string `yaml:"attempt_timeout"`
	MaxOutputBytes int64  `yaml:"max_output_bytes"`
	KeepWorkdirs   int    `yaml:"keep_workdirs"`
}

// KnowledgeConfig configures the persistent error knowledge base.
type KnowledgeConfig struct {
	DatabasePath string  `yaml:"database_path"`
	MaxRules     int     `yaml:"max_rules"`
	EMAAlpha     float64 `yaml:"ema_alpha"`
}

// RepairConfig configures the repair session loop.
type RepairConfig struct {
	SessionBudget    string `yaml:"session_budget"`
	MaxAttempts      int    `yaml:"max_attempts"`
	StagnationLimit  int    `yaml:"stagnation_limit"`
	MaxStaticPasses  int    `yaml:"max_static_passes"`
	LowRetryAttempts int    `yaml:"low_retry_attempts"`
}

// LoggingConfig configures debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "sceneforge",
		Version: "0.3.0",

		LLM: LLMConfig{
			Model:       "gemini-2.0-flash",
			Temperature: 0.4,
			MaxTokens:   8192,
			Timeout:     "120s",
			MaxRetries:  3,
		},

		Renderer: RendererConfig{
			Binary:         "render",
			OutputDir:      "media",
			ArtifactExt:    ".mp4",
			AttemptTimeout: "300s",
			MaxOutputBytes: 1 << 20,
			KeepWorkdirs:   5,
		},

		Knowledge: KnowledgeConfig{
			DatabasePath: filepath.Join(".sceneforge", "knowledge.db"),
			MaxRules:     20,
			EMAAlpha:     0.3,
		},

		Repair: RepairConfig{
			SessionBudget:    "15m",
			MaxAttempts:      10,
			StagnationLimit:  3,
			MaxStaticPasses:  5,
			LowRetryAttempts: 2,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given path, falling back to defaults for
// any unset field. A missing file returns defaults without error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides secrets from the environment. Keys never belong in the
// config file checked into a repo.
func (c *Config) applyEnv() {
	if key := os.Getenv("SCENEFORGE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Renderer.Binary == "" {
		return fmt.Errorf("renderer.binary is required")
	}
	if c.Knowledge.MaxRules <= 0 {
		return fmt.Errorf("knowledge.max_rules must be positive, got %d", c.Knowledge.MaxRules)
	}
	if c.Knowledge.EMAAlpha <= 0 || c.Knowledge.EMAAlpha > 1 {
		return fmt.Errorf("knowledge.ema_alpha must be in (0,1], got %v", c.Knowledge.EMAAlpha)
	}
	if c.Repair.StagnationLimit < 2 {
		return fmt.Errorf("repair.stagnation_limit must be at least 2, got %d", c.Repair.StagnationLimit)
	}
	if _, err := c.AttemptTimeout(); err != nil {
		return fmt.Errorf("renderer.attempt_timeout: %w", err)
	}
	if _, err := c.SessionBudget(); err != nil {
		return fmt.Errorf("repair.session_budget: %w", err)
	}
	if _, err := c.LLMTimeout(); err != nil {
		return fmt.Errorf("llm.timeout: %w", err)
	}
	return nil
}

// AttemptTimeout parses the per-attempt render timeout.
func (c *Config) AttemptTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Renderer.AttemptTimeout)
}

// SessionBudget parses the whole-session wall clock budget.
func (c *Config) SessionBudget() (time.Duration, error) {
	return time.ParseDuration(c.Repair.SessionBudget)
}

// LLMTimeout parses the per-request model timeout.
func (c *Config) LLMTimeout() (time.Duration, error) {
	return time.ParseDuration(c.LLM.Timeout)
}

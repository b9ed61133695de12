package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Renderer.Binary, cfg.Renderer.Binary)
	assert.Equal(t, def.Knowledge.MaxRules, cfg.Knowledge.MaxRules)
	assert.Equal(t, def.Repair.SessionBudget, cfg.Repair.SessionBudget)
}

func TestLoadPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sceneforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
renderer:
  binary: manim
  attempt_timeout: 120s
repair:
  max_attempts: 5
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "manim", cfg.Renderer.Binary)
	assert.Equal(t, 5, cfg.Repair.MaxAttempts)
	// Untouched fields keep their defaults.
	assert.Equal(t, ".mp4", cfg.Renderer.ArtifactExt)
	assert.Equal(t, 3, cfg.Repair.StagnationLimit)

	d, err := cfg.AttemptTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("SCENEFORGE_API_KEY", "from-env")
	t.Setenv("GEMINI_API_KEY", "fallback")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLM.APIKey)
}

func TestEnvFallbackGeminiKey(t *testing.T) {
	t.Setenv("SCENEFORGE_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "gemini-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gemini-key", cfg.LLM.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty binary", func(c *Config) { c.Renderer.Binary = "" }},
		{"zero max rules", func(c *Config) { c.Knowledge.MaxRules = 0 }},
		{"alpha above one", func(c *Config) { c.Knowledge.EMAAlpha = 1.5 }},
		{"stagnation below two", func(c *Config) { c.Repair.StagnationLimit = 1 }},
		{"bad timeout", func(c *Config) { c.Renderer.AttemptTimeout = "soon" }},
		{"bad budget", func(c *Config) { c.Repair.SessionBudget = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	budget, err := DefaultConfig().SessionBudget()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, budget)
}

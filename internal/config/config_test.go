package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 20, cfg.Engine.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Engine.StepTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Engine.TaskTimeout)
	assert.Equal(t, 2, cfg.Engine.StepRetryBudget)
	assert.False(t, cfg.Engine.SkipOnFailure)
	assert.Equal(t, 20, cfg.Privacy.BlockSize)
	assert.Equal(t, 10, cfg.Privacy.RegionPaddingPx)
	assert.Equal(t, []string{"exact", "relaxed", "text", "contains-text", "ocr"}, cfg.Resolver.Strategies)
	assert.Equal(t, ":8000", cfg.Server.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero iterations", func(c *Config) { c.Engine.MaxIterations = 0 }},
		{"negative retry budget", func(c *Config) { c.Engine.StepRetryBudget = -1 }},
		{"inverted typing delays", func(c *Config) {
			c.Humanoid.TypingDelayMin = time.Second
			c.Humanoid.TypingDelayMax = time.Millisecond
		}},
		{"zero block size", func(c *Config) { c.Privacy.BlockSize = 0 }},
		{"unknown strategy", func(c *Config) { c.Resolver.Strategies = []string{"exact", "magic"} }},
		{"empty strategy chain", func(c *Config) { c.Resolver.Strategies = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  max_iterations: 7
  skip_on_failure: true
humanoid:
  seed: 99
server:
  addr: ":9001"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.MaxIterations)
	assert.True(t, cfg.Engine.SkipOnFailure)
	assert.Equal(t, int64(99), cfg.Humanoid.Seed)
	assert.Equal(t, ":9001", cfg.Server.Addr)
	// Untouched keys keep their defaults.
	assert.Equal(t, 2, cfg.Engine.StepRetryBudget)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_iterations: -4\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

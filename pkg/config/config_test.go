package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8970", cfg.Server.Address)
	assert.Equal(t, 50, cfg.Pool.MaxPoolSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Pool.MaxPoolSize, cfg.Pool.MaxPoolSize)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capacityd.yaml")
	content := `
server:
  address: ":9999"
pool:
  max_pool_size: 7
  cleanup_interval: 2s
detector:
  interval: 10s
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, 7, cfg.Pool.MaxPoolSize)
	assert.Equal(t, 2*time.Second, cfg.Pool.CleanupInterval)
	assert.Equal(t, 10*time.Second, cfg.Detector.Interval)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultConfig().Pool.ResourceTimeout, cfg.Pool.ResourceTimeout)
	assert.Equal(t, DefaultConfig().Recovery.MinHealthySamples, cfg.Recovery.MinHealthySamples)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capacityd.yaml")
	content := `
pool:
  max_pool_size: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_pool_size")
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSaveAndReloadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "capacityd.yaml")

	cfg := DefaultConfig()
	cfg.Pool.MaxPoolSize = 13
	cfg.Logging.Level = "warn"
	require.NoError(t, cfg.SaveConfig(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 13, loaded.Pool.MaxPoolSize)
	assert.Equal(t, "warn", loaded.Logging.Level)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }},
		{"zero shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }},
		{"bad pool", func(c *Config) { c.Pool.MaxPoolSize = -1 }},
		{"bad recovery", func(c *Config) { c.Recovery.MinHealthySamples = 0 }},
		{"zero detector interval", func(c *Config) { c.Detector.Interval = 0 }},
		{"detector warning above critical", func(c *Config) { c.Detector.WarningPercent = 95 }},
		{"empty database path", func(c *Config) { c.Storage.DatabasePath = "" }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad tracing exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

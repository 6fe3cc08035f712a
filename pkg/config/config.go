package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/capacityd/capacityd/pkg/detector"
	"github.com/capacityd/capacityd/pkg/health"
	"github.com/capacityd/capacityd/pkg/monitoring"
	"github.com/capacityd/capacityd/pkg/pool"
	"github.com/capacityd/capacityd/pkg/storage"
)

// Config holds the complete daemon configuration
type Config struct {
	Server   ServerConfig          `json:"server" yaml:"server" mapstructure:"server"`
	Pool     pool.Config           `json:"pool" yaml:"pool" mapstructure:"pool"`
	Recovery health.RecoveryConfig `json:"recovery" yaml:"recovery" mapstructure:"recovery"`
	Detector detector.Config       `json:"detector" yaml:"detector" mapstructure:"detector"`
	Storage  storage.Config        `json:"storage" yaml:"storage" mapstructure:"storage"`
	Tracing  monitoring.Config     `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
	Logging  LoggingConfig         `json:"logging" yaml:"logging" mapstructure:"logging"`
}

// ServerConfig holds HTTP API server settings
type ServerConfig struct {
	Address         string        `json:"address" yaml:"address" mapstructure:"address"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"` // json or console
	Output string `json:"output" yaml:"output" mapstructure:"output"` // stdout, stderr, or a file path
}

// DefaultConfig returns the default daemon configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8970",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Pool:     pool.DefaultConfig(),
		Recovery: health.DefaultRecoveryConfig(),
		Detector: detector.DefaultConfig(),
		Storage:  storage.DefaultConfig(),
		Tracing:  monitoring.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from a file and environment variables,
// falling back to defaults when no file is found.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("capacityd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/capacityd")
		v.AddConfigPath("/etc/capacityd")
	}

	v.SetEnvPrefix("CAPACITYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, defaults plus environment apply.
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig writes the configuration to a YAML file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown_timeout must be positive")
	}

	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.Recovery.Validate(); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	if c.Detector.Interval <= 0 {
		return fmt.Errorf("detector interval must be positive")
	}
	if c.Detector.WarningPercent <= 0 || c.Detector.WarningPercent >= c.Detector.CriticalPercent {
		return fmt.Errorf("detector thresholds must satisfy 0 < warning < critical")
	}
	if c.Detector.CriticalPercent > 100 {
		return fmt.Errorf("detector critical_percent must not exceed 100")
	}

	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage database_path must not be empty")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}

	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	return nil
}

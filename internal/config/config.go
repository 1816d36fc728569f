// Package config provides configuration loading for defkeep.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the daemon-level configuration. Rule and preference state
// lives in the rules document, not here; this file covers where the
// process keeps its data and how it exposes diagnostics.
type Config struct {
	// DataDir holds the rules document, event log, and daemon state.
	DataDir string `yaml:"data_dir"`
	// LogPath is the daemon's structured log file.
	LogPath string `yaml:"log_path"`
	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	// Enabled turns the /metrics endpoint on.
	Enabled bool `yaml:"enabled"`
	// Listen is the address to serve on (default: 127.0.0.1:9478)
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, "Library", "Application Support", "defkeep")
	return &Config{
		DataDir: dataDir,
		LogPath: filepath.Join(dataDir, "defkeep.log"),
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9478",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}

// Merge overlays non-zero fields from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}
	if other.LogPath != "" {
		c.LogPath = other.LogPath
	}
	if other.Metrics.Enabled {
		c.Metrics.Enabled = true
	}
	if other.Metrics.Listen != "" {
		c.Metrics.Listen = other.Metrics.Listen
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	config.DataDir = expandHome(config.DataDir)
	config.LogPath = expandHome(config.LogPath)
	return &config, nil
}

// UserConfigPath returns the per-user config file location.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "defkeep", "config.yaml")
}

// Load builds the effective configuration: defaults overlaid with the
// user config file when present. A missing file is not an error.
func Load() (*Config, error) {
	config := DefaultConfig()

	path := UserConfigPath()
	if path != "" {
		if userConfig, err := LoadFromFile(path); err == nil {
			config.Merge(userConfig)
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

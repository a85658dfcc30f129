// Package config loads application configuration from a YAML file,
// environment variables and defaults, in that order of increasing
// precedence for the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	API       APIConfig       `mapstructure:"api"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Photo     PhotoConfig     `mapstructure:"photo"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig holds the local store settings
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig holds the remote API connection settings
type APIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Token    string        `mapstructure:"token"`
	CenterID string        `mapstructure:"center_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
	ProbeURL string        `mapstructure:"probe_url"`
}

// SyncConfig holds the sync scheduling settings
type SyncConfig struct {
	Debounce      time.Duration `mapstructure:"debounce"`
	Interval      time.Duration `mapstructure:"interval"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// DashboardConfig holds the diagnostics server settings
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// PhotoConfig holds the photo encoding limits
type PhotoConfig struct {
	MaxDimension int `mapstructure:"max_dimension"`
	Quality      int `mapstructure:"quality"`
}

// LogConfig holds the logging settings
type LogConfig struct {
	Level    string `mapstructure:"level"`
	File     string `mapstructure:"file"`
	MaxSize  int    `mapstructure:"max_size_mb"`
	MaxFiles int    `mapstructure:"max_files"`
}

// Load reads configuration from the given path (directory or empty for the
// defaults), overlaying DEVOSYNC_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetConfigName("devosync")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults and env vars still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("DEVOSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	return config, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "data/devosync.db")

	v.SetDefault("api.base_url", "http://localhost:8080/api")
	v.SetDefault("api.token", "")
	v.SetDefault("api.center_id", "")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.probe_url", "")

	v.SetDefault("sync.debounce", "2s")
	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.probe_interval", "5s")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8335)

	v.SetDefault("photo.max_dimension", 1920)
	v.SetDefault("photo.quality", 80)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_files", 3)
}

// ProbeURLOrDefault returns the configured probe URL, falling back to the
// API base URL.
func (c *Config) ProbeURLOrDefault() string {
	if c.API.ProbeURL != "" {
		return c.API.ProbeURL
	}
	return c.API.BaseURL
}

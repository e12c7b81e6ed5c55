// Package config loads tasksync settings from .tasksync/config.toml and
// TASKSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mschirtzinger/tasksync/internal/conflict"
)

// DefaultPath is the project-local config file.
var DefaultPath = filepath.Join(".tasksync", "config.toml")

// EnvPrefix prefixes environment overrides: sync.max_attempts is read
// from TASKSYNC_SYNC_MAX_ATTEMPTS.
const EnvPrefix = "TASKSYNC"

// Config represents the full tasksync configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Log       LogConfig       `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig locates the task server
type ServerConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	HealthPath string        `mapstructure:"health_path"`
}

// StorageConfig locates the local cache database
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig tunes replay and conflict handling
type SyncConfig struct {
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	DrainInterval  time.Duration `mapstructure:"drain_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RejectSeverity string        `mapstructure:"reject_severity"`
	PushURL        string        `mapstructure:"push_url"`
}

// LogConfig configures log output; an empty File logs to stderr
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DashboardConfig configures the WebSocket dashboard
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// TelemetryConfig configures trace export; an empty Endpoint disables it
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:    "http://localhost:3000",
			Timeout:    10 * time.Second,
			HealthPath: "/health",
		},
		Storage: StorageConfig{
			Path: filepath.Join(".tasksync", "cache.db"),
		},
		Sync: SyncConfig{
			ProbeInterval:  5 * time.Second,
			DrainInterval:  30 * time.Second,
			MaxAttempts:    5,
			RejectSeverity: string(conflict.SeverityHigh),
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Dashboard: DashboardConfig{
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "tasksync",
		},
	}
}

// Load reads the config file at path (DefaultPath when empty) over the
// defaults and applies environment overrides. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	v := newViper(DefaultConfig())
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil && !missing(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Server.BaseURL == "":
		return fmt.Errorf("server.base_url is required")
	case c.Server.Timeout <= 0:
		return fmt.Errorf("server.timeout must be positive")
	case c.Sync.ProbeInterval <= 0:
		return fmt.Errorf("sync.probe_interval must be positive")
	case c.Sync.DrainInterval <= 0:
		return fmt.Errorf("sync.drain_interval must be positive")
	case c.Sync.MaxAttempts < 1:
		return fmt.Errorf("sync.max_attempts must be at least 1")
	case c.Dashboard.Port < 0 || c.Dashboard.Port > 65535:
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	if _, err := conflict.ParseSeverity(c.Sync.RejectSeverity); err != nil {
		return fmt.Errorf("sync.reject_severity: %w", err)
	}
	return nil
}

// Severity returns the parsed rejection threshold.
func (c *Config) Severity() conflict.Severity {
	sev, err := conflict.ParseSeverity(c.Sync.RejectSeverity)
	if err != nil {
		return conflict.SeverityHigh
	}
	return sev
}

func newViper(def *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range settings(def) {
		v.SetDefault(key, value)
	}
	return v
}

// settings flattens cfg into dotted keys. Durations are written as
// strings so a generated file reads "5s" rather than nanoseconds.
func settings(cfg *Config) map[string]any {
	return map[string]any{
		"server.base_url":        cfg.Server.BaseURL,
		"server.timeout":         cfg.Server.Timeout.String(),
		"server.health_path":     cfg.Server.HealthPath,
		"storage.path":           cfg.Storage.Path,
		"sync.probe_interval":    cfg.Sync.ProbeInterval.String(),
		"sync.drain_interval":    cfg.Sync.DrainInterval.String(),
		"sync.max_attempts":      cfg.Sync.MaxAttempts,
		"sync.reject_severity":   cfg.Sync.RejectSeverity,
		"sync.push_url":          cfg.Sync.PushURL,
		"log.file":               cfg.Log.File,
		"log.max_size_mb":        cfg.Log.MaxSizeMB,
		"log.max_backups":        cfg.Log.MaxBackups,
		"log.max_age_days":       cfg.Log.MaxAgeDays,
		"dashboard.port":         cfg.Dashboard.Port,
		"telemetry.endpoint":     cfg.Telemetry.Endpoint,
		"telemetry.service_name": cfg.Telemetry.ServiceName,
	}
}

func missing(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

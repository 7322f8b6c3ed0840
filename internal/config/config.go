// Package config loads the application configuration from
// ~/.luma/config.yaml, merged with LUMA_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Catalog   CatalogConfig   `mapstructure:"catalog" yaml:"catalog"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Analysis  AnalysisConfig  `mapstructure:"analysis" yaml:"analysis"`
	Fatigue   FatigueConfig   `mapstructure:"fatigue" yaml:"fatigue"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// StoreConfig selects and locates the session store.
type StoreConfig struct {
	// Driver is "sqlite" or "memory"
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Path is the SQLite database file (ignored for the memory driver)
	Path string `mapstructure:"path" yaml:"path"`
}

// CatalogConfig locates the question catalog file.
type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// SessionConfig tunes the orchestrator and router.
type SessionConfig struct {
	// HeavyPerSession caps emotionally heavy questions per session
	HeavyPerSession int `mapstructure:"heavy_per_session" yaml:"heavy_per_session"`
	// ShutdownTimeout bounds how long Shutdown waits for background analysis
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AnalysisConfig tunes the deep-analysis pipeline.
type AnalysisConfig struct {
	// MaxRetries caps automatic resubmission of failed analysis steps
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// RetryBaseDelay is the initial backoff between analysis attempts
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	// BreakerFailureThreshold opens the circuit after this many consecutive failures
	BreakerFailureThreshold int `mapstructure:"breaker_failure_threshold" yaml:"breaker_failure_threshold"`
	// BreakerResetTimeout is how long the circuit stays open before probing
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout" yaml:"breaker_reset_timeout"`
}

// FatigueConfig tunes the fatigue detector thresholds.
type FatigueConfig struct {
	// HighThreshold is the normalized score at or above which fatigue is high
	HighThreshold float64 `mapstructure:"high_threshold" yaml:"high_threshold"`
	// MediumThreshold is the normalized score at or above which fatigue is medium
	MediumThreshold float64 `mapstructure:"medium_threshold" yaml:"medium_threshold"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error"
	Level string `mapstructure:"level" yaml:"level"`
	// File is the log file path; empty logs to ~/luma-debug.log
	File string `mapstructure:"file" yaml:"file"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.luma/sessions.db",
		},
		Catalog: CatalogConfig{
			Path: "~/.luma/questions.yaml",
		},
		Session: SessionConfig{
			HeavyPerSession: 2,
			ShutdownTimeout: 10 * time.Second,
		},
		Analysis: AnalysisConfig{
			MaxRetries:              3,
			RetryBaseDelay:          time.Second,
			BreakerFailureThreshold: 5,
			BreakerResetTimeout:     30 * time.Second,
		},
		Fatigue: FatigueConfig{
			HighThreshold:   0.6,
			MediumThreshold: 0.3,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from ~/.luma/config.yaml. If no file exists it is
// created with defaults first.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".luma", "config.yaml"))
}

// LoadFromPath reads configuration from the given file, creating it with
// defaults when missing, and applies LUMA_* environment overrides.
// Example: LUMA_STORE_PATH=/tmp/test.db overrides store.path.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LUMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	cfg.Store.Path = expandPath(cfg.Store.Path)
	cfg.Catalog.Path = expandPath(cfg.Catalog.Path)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero values left by a hand-edited config file.
func (c *Config) applyDefaults() {
	defaults := Default()
	if c.Store.Driver == "" {
		c.Store.Driver = defaults.Store.Driver
	}
	if c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = defaults.Catalog.Path
	}
	if c.Session.HeavyPerSession == 0 {
		c.Session.HeavyPerSession = defaults.Session.HeavyPerSession
	}
	if c.Session.ShutdownTimeout == 0 {
		c.Session.ShutdownTimeout = defaults.Session.ShutdownTimeout
	}
	if c.Analysis.MaxRetries == 0 {
		c.Analysis.MaxRetries = defaults.Analysis.MaxRetries
	}
	if c.Analysis.RetryBaseDelay == 0 {
		c.Analysis.RetryBaseDelay = defaults.Analysis.RetryBaseDelay
	}
	if c.Analysis.BreakerFailureThreshold == 0 {
		c.Analysis.BreakerFailureThreshold = defaults.Analysis.BreakerFailureThreshold
	}
	if c.Analysis.BreakerResetTimeout == 0 {
		c.Analysis.BreakerResetTimeout = defaults.Analysis.BreakerResetTimeout
	}
	if c.Fatigue.HighThreshold == 0 {
		c.Fatigue.HighThreshold = defaults.Fatigue.HighThreshold
	}
	if c.Fatigue.MediumThreshold == 0 {
		c.Fatigue.MediumThreshold = defaults.Fatigue.MediumThreshold
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q (want sqlite or memory)", c.Store.Driver)
	}
	if c.Fatigue.MediumThreshold >= c.Fatigue.HighThreshold {
		return fmt.Errorf("fatigue medium threshold %.2f must be below high threshold %.2f",
			c.Fatigue.MediumThreshold, c.Fatigue.HighThreshold)
	}
	if c.Analysis.MaxRetries < 0 {
		return fmt.Errorf("analysis max_retries must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func expandPath(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[1:])
}

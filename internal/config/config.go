// Package config loads application configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Sync      SyncConfig      `yaml:"sync"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Platforms PlatformsConfig `yaml:"platforms"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

// SyncConfig tunes the orchestrator and workers.
type SyncConfig struct {
	Concurrency         int           `yaml:"concurrency"`
	MaxPageAttempts     int           `yaml:"max_page_attempts"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffCap          time.Duration `yaml:"backoff_cap"`
	IncrementalLookback time.Duration `yaml:"incremental_lookback"`
}

// ResolverConfig holds the identity resolution thresholds. These are
// tunables, not constants; validate changes against real cross-platform
// name-collision data.
type ResolverConfig struct {
	MatchThreshold     float64 `yaml:"match_threshold"`
	AutoMergeThreshold float64 `yaml:"auto_merge_threshold"`
	AmbiguityMargin    float64 `yaml:"ambiguity_margin"`
}

// PlatformsConfig holds per-platform credentials and rate overrides.
// Rates maps platform name to requests per second.
type PlatformsConfig struct {
	Spotify SpotifyConfig      `yaml:"spotify"`
	Rates   map[string]float64 `yaml:"rates"`
}

// SpotifyConfig holds Spotify API credentials.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "/data/calliope.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Sync: SyncConfig{
			Concurrency:         3,
			MaxPageAttempts:     5,
			BackoffBase:         500 * time.Millisecond,
			BackoffCap:          30 * time.Second,
			IncrementalLookback: 7 * 24 * time.Hour,
		},
		Resolver: ResolverConfig{
			MatchThreshold:     0.85,
			AutoMergeThreshold: 0.90,
			AmbiguityMargin:    0.03,
		},
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("CAL_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CAL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CAL_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("CAL_LOG_FILE"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("CAL_SYNC_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.Concurrency = n
		}
	}
	if v := os.Getenv("CAL_SPOTIFY_CLIENT_ID"); v != "" {
		c.Platforms.Spotify.ClientID = v
	}
	if v := os.Getenv("CAL_SPOTIFY_CLIENT_SECRET"); v != "" {
		c.Platforms.Spotify.ClientSecret = v
	}
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync concurrency must be at least 1")
	}
	if c.Sync.MaxPageAttempts < 1 {
		return fmt.Errorf("max page attempts must be at least 1")
	}
	for _, t := range []struct {
		name  string
		value float64
	}{
		{"match_threshold", c.Resolver.MatchThreshold},
		{"auto_merge_threshold", c.Resolver.AutoMergeThreshold},
		{"ambiguity_margin", c.Resolver.AmbiguityMargin},
	} {
		if t.value < 0 || t.value > 1 {
			return fmt.Errorf("%s must be in [0,1], got %g", t.name, t.value)
		}
	}
	return nil
}

// SPDX-License-Identifier: MIT

// Package config loads daemon configuration. Precedence is environment over
// config file over built-in defaults; every knob has a DSYMD_* variable.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	// DataDir holds the dSYM index and history database.
	DataDir string `yaml:"data_dir"`

	// Arch is the architecture symbolicated by default, in GOARCH or
	// atos spelling (amd64, x86_64, arm64, ...).
	Arch string `yaml:"arch"`

	Listen   string `yaml:"listen"`
	APIToken string `yaml:"api_token"`

	// RateLimit is the per-client request budget per minute. Zero
	// disables limiting.
	RateLimit int `yaml:"rate_limit"`

	Scan  ScanConfig  `yaml:"scan"`
	Cache CacheConfig `yaml:"cache"`

	HistoryRetention time.Duration `yaml:"history_retention"`

	// SnapshotPath, when set, receives a JSON export of the index after
	// every scan.
	SnapshotPath string `yaml:"snapshot_path"`

	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
}

// ScanConfig controls dSYM discovery.
type ScanConfig struct {
	// Roots are the directories walked for *.dSYM bundles.
	Roots    []string      `yaml:"roots"`
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`

	// FilesPerSec throttles bundle indexing. Zero means unthrottled.
	FilesPerSec int `yaml:"files_per_sec"`

	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// CacheConfig controls the symbolication result cache. With RedisAddr unset
// an in-process cache is used.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// TracingConfig mirrors telemetry.Config.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DataDir:   "/var/lib/dsymd",
		Arch:      runtime.GOARCH,
		Listen:    ":8080",
		RateLimit: 120,
		Scan: ScanConfig{
			Interval:      15 * time.Minute,
			Workers:       4,
			Watch:         true,
			WatchDebounce: 2 * time.Second,
		},
		Cache: CacheConfig{
			TTL: 10 * time.Minute,
		},
		HistoryRetention: 30 * 24 * time.Hour,
		LogLevel:         "info",
		Tracing: TracingConfig{
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "production",
		},
	}
}

// Load builds the effective configuration: defaults, overlaid by the YAML
// file at path (when non-empty), overlaid by DSYMD_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DataDir = ParseString("DSYMD_DATA_DIR", cfg.DataDir)
	cfg.Arch = ParseString("DSYMD_ARCH", cfg.Arch)
	cfg.Listen = ParseString("DSYMD_LISTEN", cfg.Listen)
	cfg.APIToken = ParseString("DSYMD_API_TOKEN", cfg.APIToken)
	cfg.RateLimit = ParseInt("DSYMD_RATE_LIMIT", cfg.RateLimit)

	cfg.Scan.Roots = ParseStringSlice("DSYMD_SCAN_ROOTS", cfg.Scan.Roots)
	cfg.Scan.Interval = ParseDuration("DSYMD_SCAN_INTERVAL", cfg.Scan.Interval)
	cfg.Scan.Workers = ParseInt("DSYMD_SCAN_WORKERS", cfg.Scan.Workers)
	cfg.Scan.FilesPerSec = ParseInt("DSYMD_SCAN_FILES_PER_SEC", cfg.Scan.FilesPerSec)
	cfg.Scan.Watch = ParseBool("DSYMD_WATCH", cfg.Scan.Watch)
	cfg.Scan.WatchDebounce = ParseDuration("DSYMD_WATCH_DEBOUNCE", cfg.Scan.WatchDebounce)

	cfg.Cache.TTL = ParseDuration("DSYMD_CACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.RedisAddr = ParseString("DSYMD_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = ParseString("DSYMD_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = ParseInt("DSYMD_REDIS_DB", cfg.Cache.RedisDB)

	cfg.HistoryRetention = ParseDuration("DSYMD_HISTORY_RETENTION", cfg.HistoryRetention)
	cfg.SnapshotPath = ParseString("DSYMD_SNAPSHOT_PATH", cfg.SnapshotPath)
	cfg.LogLevel = ParseString("DSYMD_LOG_LEVEL", cfg.LogLevel)

	cfg.Tracing.Enabled = ParseBool("DSYMD_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.ExporterType = ParseString("DSYMD_TRACING_EXPORTER", cfg.Tracing.ExporterType)
	cfg.Tracing.Endpoint = ParseString("DSYMD_TRACING_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.SamplingRate = ParseFloat("DSYMD_TRACING_SAMPLE", cfg.Tracing.SamplingRate)
	cfg.Tracing.Environment = ParseString("DSYMD_ENV", cfg.Tracing.Environment)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir must not be empty")
	}
	if c.Listen == "" {
		return errors.New("config: listen must not be empty")
	}
	if c.Scan.Interval <= 0 {
		return errors.New("config: scan.interval must be positive")
	}
	if c.Scan.Workers <= 0 {
		return errors.New("config: scan.workers must be positive")
	}
	if c.Scan.FilesPerSec < 0 {
		return errors.New("config: scan.files_per_sec must not be negative")
	}
	if c.RateLimit < 0 {
		return errors.New("config: rate_limit must not be negative")
	}
	if c.Cache.TTL < 0 {
		return errors.New("config: cache.ttl must not be negative")
	}
	if s := c.Tracing.SamplingRate; s < 0 || s > 1 {
		return errors.New("config: tracing.sampling_rate must be in [0, 1]")
	}
	return nil
}

// IndexPath is the badger directory under DataDir.
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, "index")
}

// HistoryPath is the SQLite history file under DataDir.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

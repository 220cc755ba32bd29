// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides flowd server configuration.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables, then by CLI flags (applied by the caller). Validation happens
// once at load time so the rest of the system can assume a coherent config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete flowd configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Engine   EngineConfig   `yaml:"engine"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener and request policies.
type ServerConfig struct {
	// Addr is the TCP address to listen on.
	// Environment: FLOWD_ADDR
	// Default: 127.0.0.1:8080
	Addr string `yaml:"addr,omitempty"`

	// PublicURL is the externally visible base URL, used to construct
	// log artifact links in run records.
	// Environment: FLOWD_PUBLIC_URL
	// Default: http://<addr>
	PublicURL string `yaml:"public_url,omitempty"`

	// MaxUploadBytes bounds the total multipart submission size.
	// Default: 128 MiB
	MaxUploadBytes int64 `yaml:"max_upload_bytes,omitempty"`

	// SubmitRatePerSecond limits run submissions per second. Zero disables
	// rate limiting.
	SubmitRatePerSecond float64 `yaml:"submit_rate_per_second,omitempty"`

	// SubmitBurst is the submission rate limiter burst size.
	// Default: 10
	SubmitBurst int `yaml:"submit_burst,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// StoreConfig configures the run record store.
type StoreConfig struct {
	// Backend selects the storage backend: "memory" or "sqlite".
	// Default: sqlite
	Backend string `yaml:"backend,omitempty"`

	// DataDir is the root directory for per-run execution directories.
	// Environment: FLOWD_DATA_DIR
	// Default: ~/.flowd/runs
	DataDir string `yaml:"data_dir,omitempty"`

	// SQLitePath is the database file path for the sqlite backend.
	// Default: <data_dir>/flowd.db
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// EngineConfig configures workflow engine invocation.
type EngineConfig struct {
	// Runners maps workflow type to the runner binary invoked for it.
	// Defaults: cwl -> toil-cwl-runner, wdl -> toil-wdl-runner, py -> python3.
	Runners map[string]string `yaml:"runners,omitempty"`

	// SupportedVersions maps workflow type to its accepted type versions.
	SupportedVersions map[string][]string `yaml:"supported_versions,omitempty"`

	// DefaultParameters are engine parameters applied to every run, in
	// order, before per-run overrides. Entries are "--key=value" or bare
	// "--flag" strings.
	DefaultParameters []string `yaml:"default_parameters,omitempty"`

	// RepeatableParameters lists parameter keys that may occur multiple
	// times in a command line. Overrides for these keys are appended
	// rather than replacing the configured default.
	RepeatableParameters []string `yaml:"repeatable_parameters,omitempty"`
}

// DispatchConfig configures the task dispatcher.
type DispatchConfig struct {
	// Backend selects the dispatcher: "local" or "redis".
	// Default: local
	Backend string `yaml:"backend,omitempty"`

	// Workers is the local dispatcher's worker pool size.
	// Default: 4
	Workers int `yaml:"workers,omitempty"`

	// RedisAddr is the broker address for the redis dispatcher.
	// Environment: FLOWD_REDIS_ADDR
	// Default: 127.0.0.1:6379
	RedisAddr string `yaml:"redis_addr,omitempty"`

	// RedisQueue is the broker list key tasks are pushed onto.
	// Default: flowd:tasks
	RedisQueue string `yaml:"redis_queue,omitempty"`

	// PollInterval is how often non-terminal runs are refreshed from the
	// dispatcher by the background poll loop.
	// Default: 2s
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// StalenessThreshold is the age past which a non-terminal record is
	// refreshed from the dispatcher on a status query.
	// Default: 5s
	StalenessThreshold time.Duration `yaml:"staleness_threshold,omitempty"`

	// CancelTimeout bounds the wait for a worker to confirm termination
	// after a cancel request. Exceeding it resolves the run to
	// SYSTEM_ERROR instead of leaving it in CANCELING.
	// Default: 60s
	CancelTimeout time.Duration `yaml:"cancel_timeout,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text).
	Format string `yaml:"format,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns on span export.
	Enabled bool `yaml:"enabled"`

	// Stdout enables the stdout trace exporter (development use).
	Stdout bool `yaml:"stdout"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".flowd", "runs")

	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			MaxUploadBytes:  128 << 20,
			SubmitBurst:     10,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			DataDir: dataDir,
		},
		Engine: EngineConfig{
			Runners: map[string]string{
				"cwl": "toil-cwl-runner",
				"wdl": "toil-wdl-runner",
				"py":  "python3",
			},
			SupportedVersions: map[string][]string{
				"cwl": {"v1.0", "v1.1", "v1.2"},
				"wdl": {"draft-2", "1.0"},
				"py":  {"3.9", "3.10", "3.11", "3.12"},
			},
		},
		Dispatch: DispatchConfig{
			Backend:            "local",
			Workers:            4,
			RedisAddr:          "127.0.0.1:6379",
			RedisQueue:         "flowd:tasks",
			PollInterval:       2 * time.Second,
			StalenessThreshold: 5 * time.Second,
			CancelTimeout:      60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the given path (optional) and applies
// environment variable overrides on top of defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.Store.DataDir, "flowd.db")
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = "http://" + cfg.Server.Addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FLOWD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("FLOWD_PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("FLOWD_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("FLOWD_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("FLOWD_DISPATCH_BACKEND"); v != "" {
		cfg.Dispatch.Backend = v
	}
	if v := os.Getenv("FLOWD_REDIS_ADDR"); v != "" {
		cfg.Dispatch.RedisAddr = v
	}
	if v := os.Getenv("FLOWD_DISPATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.Workers = n
		}
	}
}

// Validate checks the configuration for coherence.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("%w: store.backend must be memory or sqlite, got %q", ErrInvalidConfig, c.Store.Backend)
	}

	switch c.Dispatch.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("%w: dispatch.backend must be local or redis, got %q", ErrInvalidConfig, c.Dispatch.Backend)
	}

	if c.Store.DataDir == "" {
		return fmt.Errorf("%w: store.data_dir is required", ErrInvalidConfig)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("%w: dispatch.workers must be positive", ErrInvalidConfig)
	}
	if c.Dispatch.CancelTimeout <= 0 {
		return fmt.Errorf("%w: dispatch.cancel_timeout must be positive", ErrInvalidConfig)
	}
	for wfType := range c.Engine.Runners {
		if _, ok := c.Engine.SupportedVersions[wfType]; !ok {
			return fmt.Errorf("%w: engine.supported_versions missing entry for type %q", ErrInvalidConfig, wfType)
		}
	}
	return nil
}

// RepeatableSet returns the repeatable parameter keys as a set.
func (c *EngineConfig) RepeatableSet() map[string]bool {
	set := make(map[string]bool, len(c.RepeatableParameters))
	for _, k := range c.RepeatableParameters {
		set[k] = true
	}
	return set
}

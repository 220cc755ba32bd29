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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if cfg.Dispatch.Backend != "local" {
		t.Errorf("default dispatch backend = %q, want local", cfg.Dispatch.Backend)
	}
	if cfg.Engine.Runners["cwl"] != "toil-cwl-runner" {
		t.Errorf("default cwl runner = %q", cfg.Engine.Runners["cwl"])
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowd.yaml")
	doc := `
server:
  addr: 0.0.0.0:9090
store:
  backend: memory
  data_dir: /var/lib/flowd/runs
engine:
  default_parameters:
    - --logLevel=INFO
    - --retryCount=2
  repeatable_parameters:
    - --import
dispatch:
  backend: redis
  redis_addr: broker:6379
  poll_interval: 500ms
  cancel_timeout: 30s
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:9090" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.PublicURL != "http://0.0.0.0:9090" {
		t.Errorf("PublicURL not derived from addr: %q", cfg.Server.PublicURL)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("store backend = %q", cfg.Store.Backend)
	}
	if cfg.Store.SQLitePath != filepath.Join("/var/lib/flowd/runs", "flowd.db") {
		t.Errorf("SQLitePath not derived from data dir: %q", cfg.Store.SQLitePath)
	}
	if cfg.Dispatch.Backend != "redis" || cfg.Dispatch.RedisAddr != "broker:6379" {
		t.Errorf("dispatch config = %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %s", cfg.Dispatch.PollInterval)
	}
	if len(cfg.Engine.DefaultParameters) != 2 {
		t.Errorf("DefaultParameters = %v", cfg.Engine.DefaultParameters)
	}
	if set := cfg.Engine.RepeatableSet(); !set["--import"] {
		t.Errorf("RepeatableSet() = %v", set)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLOWD_ADDR", "127.0.0.1:7070")
	t.Setenv("FLOWD_STORE_BACKEND", "memory")
	t.Setenv("FLOWD_DISPATCH_WORKERS", "8")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:7070" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Backend = %q", cfg.Store.Backend)
	}
	if cfg.Dispatch.Workers != 8 {
		t.Errorf("Workers = %d", cfg.Dispatch.Workers)
	}
}

func TestValidateRejectsBadBackends(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad store backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"bad dispatch backend", func(c *Config) { c.Dispatch.Backend = "celery" }},
		{"empty data dir", func(c *Config) { c.Store.DataDir = "" }},
		{"zero workers", func(c *Config) { c.Dispatch.Workers = 0 }},
		{"zero cancel timeout", func(c *Config) { c.Dispatch.CancelTimeout = 0 }},
		{"runner without versions", func(c *Config) {
			c.Engine.Runners["nf"] = "nextflow"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted bad config")
			}
		})
	}
}

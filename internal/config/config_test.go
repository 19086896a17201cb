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

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected log format 'text', got %q", cfg.Log.Format)
	}
	if cfg.Backend.Type != "sqlite" {
		t.Errorf("expected backend.type 'sqlite', got %q", cfg.Backend.Type)
	}
	if cfg.Runner.MaxParallelRuns != 4 {
		t.Errorf("expected max_parallel_runs 4, got %d", cfg.Runner.MaxParallelRuns)
	}
	if cfg.Runner.LeaseDuration != 30*time.Second {
		t.Errorf("expected lease_duration 30s, got %v", cfg.Runner.LeaseDuration)
	}
	if !cfg.Auth.Enabled {
		t.Errorf("expected auth.enabled true by default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default with token", modify: func(c *Config) { c.Auth.Token = "secret" }},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "verbose"; c.Auth.Token = "secret" },
			wantErr: true,
		},
		{
			name:    "invalid backend type",
			modify:  func(c *Config) { c.Backend.Type = "postgres"; c.Auth.Token = "secret" },
			wantErr: true,
		},
		{
			name: "sqlite backend requires path",
			modify: func(c *Config) {
				c.Backend.SQLitePath = ""
				c.Auth.Token = "secret"
			},
			wantErr: true,
		},
		{
			name:    "max parallel runs must be positive",
			modify:  func(c *Config) { c.Runner.MaxParallelRuns = 0; c.Auth.Token = "secret" },
			wantErr: true,
		},
		{
			name:    "auth enabled without token",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "auth disabled without token is fine",
			modify:  func(c *Config) { c.Auth.Enabled = false },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no validation error, got %v", err)
			}
		})
	}
}

func TestLoad_FromFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
log:
  level: debug
  format: json
backend:
  type: sqlite
  sqlite_path: ` + filepath.Join(dir, "file.db") + `
auth:
  enabled: true
  token: from-file
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("TABCONDUCTOR_LOG_FORMAT", "text")
	t.Setenv("TABCONDUCTOR_AUTH_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level from file 'debug', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected log format overridden by env to 'text', got %q", cfg.Log.Format)
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("expected auth token overridden by env, got %q", cfg.Auth.Token)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Errorf("expected error loading missing file")
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	t.Setenv("TABCONDUCTOR_AUTH_TOKEN", "env-token")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Type != "sqlite" {
		t.Errorf("expected default backend type, got %q", cfg.Backend.Type)
	}
}

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

// Package config loads the daemon's configuration from a YAML file, with
// TABCONDUCTOR_*-prefixed environment variables taking precedence over
// both the file and the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate when the loaded configuration
// fails a sanity check.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the daemon's full runtime configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Listen   ListenConfig   `yaml:"listen"`
	Backend  BackendConfig  `yaml:"backend"`
	Runner   RunnerConfig   `yaml:"runner"`
	Auth     AuthConfig     `yaml:"auth"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	DataDir  string         `yaml:"data_dir,omitempty"`
}

// LogConfig configures internal/log.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ListenConfig configures the RPC transport.
type ListenConfig struct {
	// SocketPath is the Unix domain socket the daemon listens on.
	SocketPath string `yaml:"socket_path,omitempty"`
	// TCPAddr, if set, additionally serves the RPC protocol over a
	// websocket at this address (e.g. "127.0.0.1:8787").
	TCPAddr string `yaml:"tcp_addr,omitempty"`
}

// BackendConfig selects and configures the storage layer.
type BackendConfig struct {
	// Type is "sqlite" or "memory".
	Type string `yaml:"type"`
	// SQLitePath is the database file path when Type is "sqlite".
	SQLitePath string `yaml:"sqlite_path,omitempty"`
	WAL        bool   `yaml:"wal"`
}

// RunnerConfig bounds the scheduler and runner.
type RunnerConfig struct {
	MaxParallelRuns   int           `yaml:"max_parallel_runs"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReclaimInterval   time.Duration `yaml:"reclaim_interval"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig configures RPC bearer-token auth (internal/rpc.TokenValidator).
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token,omitempty"`
}

// SecretsConfig configures internal/secretstore.
type SecretsConfig struct {
	// KeyringService names the OS keychain service bucket sensitive vars
	// are stored under.
	KeyringService string `yaml:"keyring_service"`
}

// Default returns a Config with sensible defaults, with paths resolved
// against the XDG base directories (falling back to ~/.tabconductor).
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Listen: ListenConfig{
			SocketPath: defaultSocketPath(),
		},
		Backend: BackendConfig{
			Type:       "sqlite",
			SQLitePath: filepath.Join(defaultDataDir(), "tabconductor.db"),
		},
		Runner: RunnerConfig{
			MaxParallelRuns:   4,
			LeaseDuration:     30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			ReclaimInterval:   15 * time.Second,
			DefaultTimeout:    5 * time.Minute,
			ShutdownTimeout:   30 * time.Second,
		},
		Auth: AuthConfig{
			Enabled: true,
		},
		Secrets: SecretsConfig{
			KeyringService: "tabconductor",
		},
		DataDir: defaultDataDir(),
	}
}

// Load builds a Config by layering a YAML file (if path is non-empty and
// exists) over Default, then applying environment overrides, then
// validating the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("TABCONDUCTOR_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("TABCONDUCTOR_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("TABCONDUCTOR_SOCKET"); v != "" {
		c.Listen.SocketPath = v
	}
	if v := os.Getenv("TABCONDUCTOR_TCP_ADDR"); v != "" {
		c.Listen.TCPAddr = v
	}
	if v := os.Getenv("TABCONDUCTOR_BACKEND"); v != "" {
		c.Backend.Type = v
	}
	if v := os.Getenv("TABCONDUCTOR_SQLITE_PATH"); v != "" {
		c.Backend.SQLitePath = v
	}
	if v := os.Getenv("TABCONDUCTOR_MAX_PARALLEL_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.MaxParallelRuns = n
		}
	}
	if v := os.Getenv("TABCONDUCTOR_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Runner.DefaultTimeout = d
		}
	}
	if v := os.Getenv("TABCONDUCTOR_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
		c.Auth.Enabled = true
	}
	if v := os.Getenv("TABCONDUCTOR_AUTH_DISABLED"); v == "1" || strings.ToLower(v) == "true" {
		c.Auth.Enabled = false
	}
	if v := os.Getenv("TABCONDUCTOR_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// Validate checks invariants Load can't repair by filling in a default.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}
	if c.Backend.Type != "sqlite" && c.Backend.Type != "memory" {
		errs = append(errs, fmt.Sprintf("backend.type must be one of [sqlite, memory], got %q", c.Backend.Type))
	}
	if c.Backend.Type == "sqlite" && c.Backend.SQLitePath == "" {
		errs = append(errs, "backend.sqlite_path is required when backend.type is sqlite")
	}
	if c.Runner.MaxParallelRuns <= 0 {
		errs = append(errs, fmt.Sprintf("runner.max_parallel_runs must be positive, got %d", c.Runner.MaxParallelRuns))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func defaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "tabconductor", "tabconductor.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/tabconductor.sock"
	}
	return filepath.Join(home, ".tabconductor", "tabconductor.sock")
}

func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "tabconductor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/tabconductor-data"
	}
	return filepath.Join(home, ".tabconductor", "data")
}

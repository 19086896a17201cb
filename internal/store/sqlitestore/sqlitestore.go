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

// Package sqlitestore is a store.Backend backed by modernc.org/sqlite,
// a pure-Go SQLite driver requiring no cgo toolchain.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/tabconductor/internal/store"
)

var (
	_ store.Backend = (*Store)(nil)
	_ store.Tx      = (*tx)(nil)
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting every query
// method run identically whether called directly or inside WithTx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config configures the SQLite connection.
type Config struct {
	// Path is the database file path. Use ":memory:" for an ephemeral
	// in-process database (rarely wanted — prefer memstore for that).
	Path string
	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool
}

// Store is a SQLite-backed store.Backend.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at cfg.Path, configures pragmas,
// and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// churn when several goroutines write at once.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			entry_node TEXT NOT NULL,
			nodes TEXT NOT NULL,
			edges TEXT NOT NULL,
			default_policy TEXT,
			icon_url TEXT,
			tags TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			took_ms INTEGER DEFAULT 0,
			tab_id TEXT,
			start_node_id TEXT,
			current_node_id TEXT,
			attempt INTEGER DEFAULT 0,
			max_attempts INTEGER DEFAULT 0,
			args TEXT,
			trigger_ctx TEXT,
			debug_cfg TEXT,
			next_seq INTEGER DEFAULT 0,
			outputs TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_flow_id ON runs(flow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_updated_at ON runs(updated_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			node_id TEXT,
			attempt INTEGER DEFAULT 0,
			data TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
		`CREATE TABLE IF NOT EXISTS queue (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			priority INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			max_attempts INTEGER DEFAULT 0,
			args TEXT,
			trigger_ctx TEXT,
			debug_cfg TEXT,
			status TEXT NOT NULL,
			lease_owner TEXT,
			lease_expires_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_claim ON queue(status, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_lease ON queue(lease_expires_at)`,
		`CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			args TEXT,
			url_match TEXT,
			cron_expr TEXT,
			interval_minutes INTEGER DEFAULT 0,
			fire_at TEXT,
			menu_title TEXT,
			dom_selector TEXT,
			command_name TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_kind ON triggers(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_flow_id ON triggers(flow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_enabled ON triggers(enabled)`,
		`CREATE TABLE IF NOT EXISTS vars (
			name TEXT PRIMARY KEY,
			value TEXT,
			sensitive INTEGER DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// tx is the store.Tx handed to a WithTx closure, backed by a *sql.Tx.
type tx struct{ db *sql.Tx }

// WithTx runs fn inside a database/sql transaction, committing on a nil
// return and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(t store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx{db: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

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

package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

func (s *Store) GetVar(ctx context.Context, name string) (*store.PersistentVar, error) {
	return getVar(ctx, s.db, name)
}
func (t tx) GetVar(ctx context.Context, name string) (*store.PersistentVar, error) {
	return getVar(ctx, t.db, name)
}

func getVar(ctx context.Context, ex execer, name string) (*store.PersistentVar, error) {
	var v store.PersistentVar
	var valueJSON sql.NullString
	var sensitive int
	var updatedAt string

	err := ex.QueryRowContext(ctx, `SELECT name, value, sensitive, updated_at FROM vars WHERE name = ?`, name).
		Scan(&v.Name, &valueJSON, &sensitive, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "var not found: %s", name)
	}
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "get var")
	}
	v.Sensitive = sensitive == 1
	v.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if valueJSON.Valid && valueJSON.String != "" {
		_ = json.Unmarshal([]byte(valueJSON.String), &v.Value)
	}
	return &v, nil
}

func (s *Store) SetVar(ctx context.Context, v *store.PersistentVar) error { return setVar(ctx, s.db, v) }
func (t tx) SetVar(ctx context.Context, v *store.PersistentVar) error     { return setVar(ctx, t.db, v) }

func setVar(ctx context.Context, ex execer, v *store.PersistentVar) error {
	valueJSON, err := json.Marshal(v.Value)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "marshal var value")
	}
	sensitive := 0
	if v.Sensitive {
		sensitive = 1
	}
	v.UpdatedAt = time.Now()

	_, err = ex.ExecContext(ctx, `
		INSERT INTO vars (name, value, sensitive, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, sensitive = excluded.sensitive, updated_at = excluded.updated_at
	`, v.Name, string(valueJSON), sensitive, v.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "set var")
	}
	return nil
}

func (s *Store) DeleteVar(ctx context.Context, name string) error { return deleteVar(ctx, s.db, name) }
func (t tx) DeleteVar(ctx context.Context, name string) error     { return deleteVar(ctx, t.db, name) }

func deleteVar(ctx context.Context, ex execer, name string) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM vars WHERE name = ?`, name); err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "delete var")
	}
	return nil
}

func (s *Store) ListVars(ctx context.Context) ([]*store.PersistentVar, error) { return listVars(ctx, s.db) }
func (t tx) ListVars(ctx context.Context) ([]*store.PersistentVar, error)     { return listVars(ctx, t.db) }

func listVars(ctx context.Context, ex execer) ([]*store.PersistentVar, error) {
	rows, err := ex.QueryContext(ctx, `SELECT name, value, sensitive, updated_at FROM vars ORDER BY name`)
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "list vars")
	}
	defer rows.Close()

	var out []*store.PersistentVar
	for rows.Next() {
		var v store.PersistentVar
		var valueJSON sql.NullString
		var sensitive int
		var updatedAt string
		if err := rows.Scan(&v.Name, &valueJSON, &sensitive, &updatedAt); err != nil {
			return nil, rrerror.Wrap(rrerror.CodeInternal, err, "scan var")
		}
		v.Sensitive = sensitive == 1
		v.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if valueJSON.Valid && valueJSON.String != "" {
			_ = json.Unmarshal([]byte(valueJSON.String), &v.Value)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

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

const triggerSelectCols = `id, kind, flow_id, enabled, args, url_match, cron_expr, interval_minutes, fire_at, menu_title, dom_selector, command_name, created_at, updated_at`

func (s *Store) SaveTrigger(ctx context.Context, t *store.TriggerSpec) error { return saveTrigger(ctx, s.db, t) }
func (tt tx) SaveTrigger(ctx context.Context, t *store.TriggerSpec) error    { return saveTrigger(ctx, tt.db, t) }

func saveTrigger(ctx context.Context, ex execer, t *store.TriggerSpec) error {
	argsJSON, err := json.Marshal(t.Args)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "marshal trigger args")
	}
	urlMatchJSON, err := json.Marshal(t.URLMatch)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "marshal trigger url match")
	}

	existing, getErr := getTrigger(ctx, ex, t.ID)
	now := time.Now()
	if getErr == nil {
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	enabled := 0
	if t.Enabled {
		enabled = 1
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO triggers (id, kind, flow_id, enabled, args, url_match, cron_expr, interval_minutes, fire_at,
			menu_title, dom_selector, command_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind, flow_id = excluded.flow_id, enabled = excluded.enabled, args = excluded.args,
			url_match = excluded.url_match, cron_expr = excluded.cron_expr, interval_minutes = excluded.interval_minutes,
			fire_at = excluded.fire_at, menu_title = excluded.menu_title, dom_selector = excluded.dom_selector,
			command_name = excluded.command_name, updated_at = excluded.updated_at
	`,
		t.ID, string(t.Kind), t.FlowID, enabled, string(argsJSON), string(urlMatchJSON), nullString(t.CronExpr),
		t.IntervalMins, nullTime(t.FireAt), nullString(t.MenuTitle), nullString(t.DOMSelector), nullString(t.CommandName),
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "save trigger")
	}
	return nil
}

func scanTrigger(scan rowScanner) (*store.TriggerSpec, error) {
	var t store.TriggerSpec
	var kind string
	var enabled int
	var argsJSON, urlMatchJSON sql.NullString
	var cronExpr, fireAt, menuTitle, domSelector, commandName sql.NullString
	var createdAt, updatedAt string

	err := scan(&t.ID, &kind, &t.FlowID, &enabled, &argsJSON, &urlMatchJSON, &cronExpr, &t.IntervalMins,
		&fireAt, &menuTitle, &domSelector, &commandName, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Kind = store.TriggerKind(kind)
	t.Enabled = enabled == 1
	t.CronExpr = cronExpr.String
	t.FireAt = parseNullTime(fireAt)
	t.MenuTitle = menuTitle.String
	t.DOMSelector = domSelector.String
	t.CommandName = commandName.String
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if argsJSON.Valid && argsJSON.String != "" {
		_ = json.Unmarshal([]byte(argsJSON.String), &t.Args)
	}
	if urlMatchJSON.Valid && urlMatchJSON.String != "" && urlMatchJSON.String != "null" {
		_ = json.Unmarshal([]byte(urlMatchJSON.String), &t.URLMatch)
	}
	return &t, nil
}

func (s *Store) GetTrigger(ctx context.Context, id string) (*store.TriggerSpec, error) {
	return getTrigger(ctx, s.db, id)
}
func (tt tx) GetTrigger(ctx context.Context, id string) (*store.TriggerSpec, error) {
	return getTrigger(ctx, tt.db, id)
}

func getTrigger(ctx context.Context, ex execer, id string) (*store.TriggerSpec, error) {
	row := ex.QueryRowContext(ctx, `SELECT `+triggerSelectCols+` FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row.Scan)
	if err == sql.ErrNoRows {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "trigger not found: %s", id)
	}
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "get trigger")
	}
	return t, nil
}

func (s *Store) ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.TriggerSpec, error) {
	return listTriggers(ctx, s.db, filter)
}
func (tt tx) ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.TriggerSpec, error) {
	return listTriggers(ctx, tt.db, filter)
}

func listTriggers(ctx context.Context, ex execer, filter store.TriggerFilter) ([]*store.TriggerSpec, error) {
	query := `SELECT ` + triggerSelectCols + ` FROM triggers WHERE 1=1`
	args := []any{}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.FlowID != "" {
		query += " AND flow_id = ?"
		args = append(args, filter.FlowID)
	}
	if filter.Enabled != nil {
		enabled := 0
		if *filter.Enabled {
			enabled = 1
		}
		query += " AND enabled = ?"
		args = append(args, enabled)
	}
	query += " ORDER BY id"

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "list triggers")
	}
	defer rows.Close()

	var out []*store.TriggerSpec
	for rows.Next() {
		t, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, rrerror.Wrap(rrerror.CodeInternal, err, "scan trigger")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error { return deleteTrigger(ctx, s.db, id) }
func (tt tx) DeleteTrigger(ctx context.Context, id string) error    { return deleteTrigger(ctx, tt.db, id) }

func deleteTrigger(ctx context.Context, ex execer, id string) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id); err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "delete trigger")
	}
	return nil
}

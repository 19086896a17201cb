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

func (s *Store) CreateRun(ctx context.Context, r *store.RunRecord) error { return createRun(ctx, s.db, r) }
func (t tx) CreateRun(ctx context.Context, r *store.RunRecord) error     { return createRun(ctx, t.db, r) }

func createRun(ctx context.Context, ex execer, r *store.RunRecord) error {
	argsJSON, triggerJSON, debugJSON, outputsJSON, err := marshalRunJSON(r)
	if err != nil {
		return err
	}

	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err = ex.ExecContext(ctx, `
		INSERT INTO runs (id, flow_id, status, created_at, updated_at, started_at, finished_at, took_ms,
			tab_id, start_node_id, current_node_id, attempt, max_attempts, args, trigger_ctx, debug_cfg,
			next_seq, outputs, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.FlowID, string(r.Status), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		nullTime(r.StartedAt), nullTime(r.FinishedAt), r.TookMs,
		nullString(r.TabID), nullString(r.StartNodeID), nullString(r.CurrentNodeID),
		r.Attempt, r.MaxAttempts, string(argsJSON), string(triggerJSON), string(debugJSON),
		r.NextSeq, string(outputsJSON), nullString(r.Error),
	)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "create run")
	}
	return nil
}

func marshalRunJSON(r *store.RunRecord) (args, trig, debug, outputs []byte, err error) {
	if args, err = json.Marshal(r.Args); err != nil {
		return nil, nil, nil, nil, rrerror.Wrap(rrerror.CodeInternal, err, "marshal run args")
	}
	if trig, err = json.Marshal(r.Trigger); err != nil {
		return nil, nil, nil, nil, rrerror.Wrap(rrerror.CodeInternal, err, "marshal run trigger")
	}
	if debug, err = json.Marshal(r.Debug); err != nil {
		return nil, nil, nil, nil, rrerror.Wrap(rrerror.CodeInternal, err, "marshal run debug config")
	}
	if outputs, err = json.Marshal(r.Outputs); err != nil {
		return nil, nil, nil, nil, rrerror.Wrap(rrerror.CodeInternal, err, "marshal run outputs")
	}
	return args, trig, debug, outputs, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*store.RunRecord, error) {
	return getRun(ctx, s.db, id)
}
func (t tx) GetRun(ctx context.Context, id string) (*store.RunRecord, error) { return getRun(ctx, t.db, id) }

func getRun(ctx context.Context, ex execer, id string) (*store.RunRecord, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT id, flow_id, status, created_at, updated_at, started_at, finished_at, took_ms,
			tab_id, start_node_id, current_node_id, attempt, max_attempts, args, trigger_ctx, debug_cfg,
			next_seq, outputs, error
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "run not found: %s", id)
	}
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "get run")
	}
	return r, nil
}

func scanRun(scan rowScanner) (*store.RunRecord, error) {
	var r store.RunRecord
	var status string
	var createdAt, updatedAt string
	var startedAt, finishedAt sql.NullString
	var tabID, startNodeID, currentNodeID sql.NullString
	var argsJSON, triggerJSON, debugJSON, outputsJSON sql.NullString
	var errStr sql.NullString

	err := scan(&r.ID, &r.FlowID, &status, &createdAt, &updatedAt, &startedAt, &finishedAt, &r.TookMs,
		&tabID, &startNodeID, &currentNodeID, &r.Attempt, &r.MaxAttempts,
		&argsJSON, &triggerJSON, &debugJSON, &r.NextSeq, &outputsJSON, &errStr)
	if err != nil {
		return nil, err
	}

	r.Status = store.RunStatus(status)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	r.StartedAt = parseNullTime(startedAt)
	r.FinishedAt = parseNullTime(finishedAt)
	r.TabID = tabID.String
	r.StartNodeID = startNodeID.String
	r.CurrentNodeID = currentNodeID.String
	r.Error = errStr.String

	if argsJSON.Valid && argsJSON.String != "" {
		_ = json.Unmarshal([]byte(argsJSON.String), &r.Args)
	}
	if triggerJSON.Valid && triggerJSON.String != "" && triggerJSON.String != "null" {
		_ = json.Unmarshal([]byte(triggerJSON.String), &r.Trigger)
	}
	if debugJSON.Valid && debugJSON.String != "" && debugJSON.String != "null" {
		_ = json.Unmarshal([]byte(debugJSON.String), &r.Debug)
	}
	if outputsJSON.Valid && outputsJSON.String != "" {
		_ = json.Unmarshal([]byte(outputsJSON.String), &r.Outputs)
	}
	return &r, nil
}

func (s *Store) UpdateRun(ctx context.Context, r *store.RunRecord) error { return updateRun(ctx, s.db, r) }
func (t tx) UpdateRun(ctx context.Context, r *store.RunRecord) error     { return updateRun(ctx, t.db, r) }

func updateRun(ctx context.Context, ex execer, r *store.RunRecord) error {
	existing, err := getRun(ctx, ex, r.ID)
	if err != nil {
		return err
	}
	if existing.Status.Terminal() {
		return rrerror.Newf(rrerror.CodeControl, "run %s is terminal, no further updates allowed", r.ID)
	}

	argsJSON, triggerJSON, debugJSON, outputsJSON, err := marshalRunJSON(r)
	if err != nil {
		return err
	}

	now := time.Now()
	result, err := ex.ExecContext(ctx, `
		UPDATE runs SET
			status = ?, updated_at = ?, started_at = ?, finished_at = ?, took_ms = ?,
			tab_id = ?, start_node_id = ?, current_node_id = ?, attempt = ?, max_attempts = ?,
			args = ?, trigger_ctx = ?, debug_cfg = ?, next_seq = ?, outputs = ?, error = ?
		WHERE id = ?
	`,
		string(r.Status), now.Format(time.RFC3339Nano), nullTime(r.StartedAt), nullTime(r.FinishedAt), r.TookMs,
		nullString(r.TabID), nullString(r.StartNodeID), nullString(r.CurrentNodeID), r.Attempt, r.MaxAttempts,
		string(argsJSON), string(triggerJSON), string(debugJSON), r.NextSeq, string(outputsJSON), nullString(r.Error),
		r.ID,
	)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "update run")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return rrerror.Newf(rrerror.CodeNotFound, "run not found: %s", r.ID)
	}
	r.UpdatedAt = now
	return nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error) {
	return listRuns(ctx, s.db, filter)
}
func (t tx) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error) {
	return listRuns(ctx, t.db, filter)
}

func listRuns(ctx context.Context, ex execer, filter store.RunFilter) ([]*store.RunRecord, error) {
	query := `
		SELECT id, flow_id, status, created_at, updated_at, started_at, finished_at, took_ms,
			tab_id, start_node_id, current_node_id, attempt, max_attempts, args, trigger_ctx, debug_cfg,
			next_seq, outputs, error
		FROM runs WHERE 1=1
	`
	args := []any{}
	if filter.FlowID != "" {
		query += " AND flow_id = ?"
		args = append(args, filter.FlowID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "list runs")
	}
	defer rows.Close()

	var out []*store.RunRecord
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, rrerror.Wrap(rrerror.CodeInternal, err, "scan run")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

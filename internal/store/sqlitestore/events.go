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

// Append assigns the next dense seq for runID by reading and
// incrementing RunRecord.next_seq in the same statement sequence, then
// inserts the event. Both writes must go through the same execer (a
// *sql.Tx when called via WithTx) to stay atomic with concurrent
// updates to the same run.
func (s *Store) Append(ctx context.Context, runID string, e *store.RunEvent) (int64, error) {
	return appendEvent(ctx, s.db, runID, e)
}
func (t tx) Append(ctx context.Context, runID string, e *store.RunEvent) (int64, error) {
	return appendEvent(ctx, t.db, runID, e)
}

func appendEvent(ctx context.Context, ex execer, runID string, e *store.RunEvent) (int64, error) {
	var status string
	var nextSeq int64
	err := ex.QueryRowContext(ctx, `SELECT status, next_seq FROM runs WHERE id = ?`, runID).Scan(&status, &nextSeq)
	if err == sql.ErrNoRows {
		return 0, rrerror.Newf(rrerror.CodeNotFound, "run not found: %s", runID)
	}
	if err != nil {
		return 0, rrerror.Wrap(rrerror.CodeInternal, err, "read run for event append")
	}
	if store.RunStatus(status).Terminal() {
		return 0, rrerror.Newf(rrerror.CodeControl, "run %s is terminal, cannot append events", runID)
	}

	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return 0, rrerror.Wrap(rrerror.CodeInternal, err, "marshal event data")
	}

	now := time.Now()
	_, err = ex.ExecContext(ctx, `
		INSERT INTO events (run_id, seq, kind, node_id, attempt, data, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, nextSeq, string(e.Kind), nullString(e.NodeID), e.Attempt, string(dataJSON), nullString(e.Error),
		now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, rrerror.Wrap(rrerror.CodeInternal, err, "insert event")
	}

	if _, err := ex.ExecContext(ctx, `UPDATE runs SET next_seq = ?, updated_at = ? WHERE id = ?`,
		nextSeq+1, now.Format(time.RFC3339Nano), runID); err != nil {
		return 0, rrerror.Wrap(rrerror.CodeInternal, err, "advance run next_seq")
	}

	e.RunID = runID
	e.Seq = nextSeq
	e.CreatedAt = now
	return nextSeq, nil
}

func (s *Store) ListEvents(ctx context.Context, runID string, opts store.EventListOpts) ([]*store.RunEvent, error) {
	return listEvents(ctx, s.db, runID, opts)
}
func (t tx) ListEvents(ctx context.Context, runID string, opts store.EventListOpts) ([]*store.RunEvent, error) {
	return listEvents(ctx, t.db, runID, opts)
}

func listEvents(ctx context.Context, ex execer, runID string, opts store.EventListOpts) ([]*store.RunEvent, error) {
	query := `SELECT run_id, seq, kind, node_id, attempt, data, error, created_at FROM events WHERE run_id = ? AND seq >= ? ORDER BY seq ASC`
	args := []any{runID, opts.FromSeq}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "list events")
	}
	defer rows.Close()

	var out []*store.RunEvent
	for rows.Next() {
		var e store.RunEvent
		var kind string
		var nodeID, dataJSON, errStr sql.NullString
		var createdAt string
		if err := rows.Scan(&e.RunID, &e.Seq, &kind, &nodeID, &e.Attempt, &dataJSON, &errStr, &createdAt); err != nil {
			return nil, rrerror.Wrap(rrerror.CodeInternal, err, "scan event")
		}
		e.Kind = store.EventKind(kind)
		e.NodeID = nodeID.String
		e.Error = errStr.String
		if dataJSON.Valid && dataJSON.String != "" {
			_ = json.Unmarshal([]byte(dataJSON.String), &e.Data)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

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

	"github.com/tombee/tabconductor/internal/graph"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

func (s *Store) SaveFlow(ctx context.Context, f *graph.Flow) error { return saveFlow(ctx, s.db, f) }
func (t tx) SaveFlow(ctx context.Context, f *graph.Flow) error     { return saveFlow(ctx, t.db, f) }

func saveFlow(ctx context.Context, ex execer, f *graph.Flow) error {
	nodesJSON, err := json.Marshal(f.Nodes)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "marshal nodes")
	}
	edgesJSON, err := json.Marshal(f.Edges)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "marshal edges")
	}
	policyJSON, err := json.Marshal(f.DefaultPolicy)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "marshal default policy")
	}
	tagsJSON, err := json.Marshal(f.Tags)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "marshal tags")
	}

	existing, err := getFlow(ctx, ex, f.ID)
	now := time.Now()
	if err == nil {
		f.CreatedAt = existing.CreatedAt
	} else {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	_, err = ex.ExecContext(ctx, `
		INSERT INTO flows (id, name, schema_version, entry_node, nodes, edges, default_policy, icon_url, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, schema_version = excluded.schema_version, entry_node = excluded.entry_node,
			nodes = excluded.nodes, edges = excluded.edges, default_policy = excluded.default_policy,
			icon_url = excluded.icon_url, tags = excluded.tags, updated_at = excluded.updated_at
	`,
		f.ID, f.Name, f.SchemaVersion, f.EntryNode, string(nodesJSON), string(edgesJSON),
		string(policyJSON), nullString(f.IconURL), string(tagsJSON),
		f.CreatedAt.Format(time.RFC3339Nano), f.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "save flow")
	}
	return nil
}

func (s *Store) GetFlow(ctx context.Context, id string) (*graph.Flow, error) {
	return getFlow(ctx, s.db, id)
}
func (t tx) GetFlow(ctx context.Context, id string) (*graph.Flow, error) { return getFlow(ctx, t.db, id) }

func getFlow(ctx context.Context, ex execer, id string) (*graph.Flow, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT id, name, schema_version, entry_node, nodes, edges, default_policy, icon_url, tags, created_at, updated_at
		FROM flows WHERE id = ?
	`, id)
	f, err := scanFlow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "flow not found: %s", id)
	}
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "get flow")
	}
	return f, nil
}

// rowScanner matches both *sql.Row.Scan and sql.Rows.Scan signatures.
type rowScanner func(dest ...any) error

func scanFlow(scan rowScanner) (*graph.Flow, error) {
	var f graph.Flow
	var nodesJSON, edgesJSON, policyJSON, tagsJSON sql.NullString
	var iconURL sql.NullString
	var createdAt, updatedAt string

	err := scan(&f.ID, &f.Name, &f.SchemaVersion, &f.EntryNode, &nodesJSON, &edgesJSON,
		&policyJSON, &iconURL, &tagsJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if nodesJSON.Valid && nodesJSON.String != "" {
		_ = json.Unmarshal([]byte(nodesJSON.String), &f.Nodes)
	}
	if edgesJSON.Valid && edgesJSON.String != "" {
		_ = json.Unmarshal([]byte(edgesJSON.String), &f.Edges)
	}
	if policyJSON.Valid && policyJSON.String != "" {
		_ = json.Unmarshal([]byte(policyJSON.String), &f.DefaultPolicy)
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &f.Tags)
	}
	f.IconURL = iconURL.String
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	f.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &f, nil
}

func (s *Store) ListFlows(ctx context.Context, filter store.FlowFilter) ([]*graph.Flow, error) {
	return listFlows(ctx, s.db, filter)
}
func (t tx) ListFlows(ctx context.Context, filter store.FlowFilter) ([]*graph.Flow, error) {
	return listFlows(ctx, t.db, filter)
}

func listFlows(ctx context.Context, ex execer, filter store.FlowFilter) ([]*graph.Flow, error) {
	query := `SELECT id, name, schema_version, entry_node, nodes, edges, default_policy, icon_url, tags, created_at, updated_at FROM flows ORDER BY id`
	args := []any{}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "list flows")
	}
	defer rows.Close()

	var out []*graph.Flow
	for rows.Next() {
		f, err := scanFlow(rows.Scan)
		if err != nil {
			return nil, rrerror.Wrap(rrerror.CodeInternal, err, "scan flow")
		}
		if filter.Tag != "" && !containsString(f.Tags, filter.Tag) {
			continue
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFlow(ctx context.Context, id string) error { return deleteFlow(ctx, s.db, id) }
func (t tx) DeleteFlow(ctx context.Context, id string) error     { return deleteFlow(ctx, t.db, id) }

func deleteFlow(ctx context.Context, ex execer, id string) error {
	var triggerCount int
	if err := ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM triggers WHERE flow_id = ?`, id).Scan(&triggerCount); err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "count triggers")
	}
	var queuedCount int
	if err := ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE flow_id = ?`, id).Scan(&queuedCount); err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "count queue items")
	}
	if triggerCount > 0 || queuedCount > 0 {
		return &store.FlowInUseError{FlowID: id, TriggerCount: triggerCount, QueuedRunCount: queuedCount}
	}
	if _, err := ex.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id); err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "delete flow")
	}
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

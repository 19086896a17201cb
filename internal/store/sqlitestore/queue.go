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

func (s *Store) Enqueue(ctx context.Context, item *store.QueueItem) error { return enqueue(ctx, s.db, item) }
func (t tx) Enqueue(ctx context.Context, item *store.QueueItem) error     { return enqueue(ctx, t.db, item) }

func enqueue(ctx context.Context, ex execer, item *store.QueueItem) error {
	argsJSON, err := json.Marshal(item.Args)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "marshal queue item args")
	}
	triggerJSON, err := json.Marshal(item.Trigger)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "marshal queue item trigger")
	}
	debugJSON, err := json.Marshal(item.Debug)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "marshal queue item debug config")
	}
	if item.Status == "" {
		item.Status = store.QueueQueued
	}
	item.CreatedAt = time.Now()

	_, err = ex.ExecContext(ctx, `
		INSERT INTO queue (id, flow_id, priority, created_at, max_attempts, args, trigger_ctx, debug_cfg, status, lease_owner, lease_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
	`, item.ID, item.FlowID, item.Priority, item.CreatedAt.Format(time.RFC3339Nano), item.MaxAttempts,
		string(argsJSON), string(triggerJSON), string(debugJSON), string(item.Status))
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "enqueue queue item")
	}
	return nil
}

func scanQueueItem(scan rowScanner) (*store.QueueItem, error) {
	var item store.QueueItem
	var status, createdAt string
	var argsJSON, triggerJSON, debugJSON sql.NullString
	var leaseOwner, leaseExpiresAt sql.NullString

	err := scan(&item.ID, &item.FlowID, &item.Priority, &createdAt, &item.MaxAttempts,
		&argsJSON, &triggerJSON, &debugJSON, &status, &leaseOwner, &leaseExpiresAt)
	if err != nil {
		return nil, err
	}

	item.Status = store.QueueStatus(status)
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if argsJSON.Valid && argsJSON.String != "" {
		_ = json.Unmarshal([]byte(argsJSON.String), &item.Args)
	}
	if triggerJSON.Valid && triggerJSON.String != "" && triggerJSON.String != "null" {
		_ = json.Unmarshal([]byte(triggerJSON.String), &item.Trigger)
	}
	if debugJSON.Valid && debugJSON.String != "" && debugJSON.String != "null" {
		_ = json.Unmarshal([]byte(debugJSON.String), &item.Debug)
	}
	if leaseOwner.Valid && leaseOwner.String != "" {
		expires := parseNullTime(leaseExpiresAt)
		if expires != nil {
			item.Lease = &store.Lease{OwnerID: leaseOwner.String, ExpiresAt: *expires}
		}
	}
	return &item, nil
}

const queueSelectCols = `id, flow_id, priority, created_at, max_attempts, args, trigger_ctx, debug_cfg, status, lease_owner, lease_expires_at`

func (s *Store) ClaimNext(ctx context.Context, ownerID string, now time.Time) (*store.QueueItem, error) {
	return claimNext(ctx, s.db, ownerID, now)
}
func (t tx) ClaimNext(ctx context.Context, ownerID string, now time.Time) (*store.QueueItem, error) {
	return claimNext(ctx, t.db, ownerID, now)
}

func claimNext(ctx context.Context, ex execer, ownerID string, now time.Time) (*store.QueueItem, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT `+queueSelectCols+`
		FROM queue WHERE status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`, string(store.QueueQueued))

	item, err := scanQueueItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "claim next queue item")
	}

	expiresAt := now.Add(30 * time.Second)
	_, err = ex.ExecContext(ctx, `
		UPDATE queue SET status = ?, lease_owner = ?, lease_expires_at = ? WHERE id = ? AND status = ?
	`, string(store.QueueRunning), ownerID, expiresAt.Format(time.RFC3339Nano), item.ID, string(store.QueueQueued))
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "claim queue item")
	}

	item.Status = store.QueueRunning
	item.Lease = &store.Lease{OwnerID: ownerID, ExpiresAt: expiresAt}
	return item, nil
}

func (s *Store) Heartbeat(ctx context.Context, runID, ownerID string, now time.Time, extend time.Duration) error {
	return heartbeat(ctx, s.db, runID, ownerID, now, extend)
}
func (t tx) Heartbeat(ctx context.Context, runID, ownerID string, now time.Time, extend time.Duration) error {
	return heartbeat(ctx, t.db, runID, ownerID, now, extend)
}

func heartbeat(ctx context.Context, ex execer, runID, ownerID string, now time.Time, extend time.Duration) error {
	var leaseOwner sql.NullString
	err := ex.QueryRowContext(ctx, `SELECT lease_owner FROM queue WHERE id = ?`, runID).Scan(&leaseOwner)
	if err == sql.ErrNoRows {
		return rrerror.Newf(rrerror.CodeNotFound, "queue item not found: %s", runID)
	}
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "read queue item lease")
	}
	if !leaseOwner.Valid || leaseOwner.String != ownerID {
		return rrerror.Newf(rrerror.CodeControl, "owner %s does not hold the lease for %s", ownerID, runID)
	}
	_, err = ex.ExecContext(ctx, `UPDATE queue SET lease_expires_at = ? WHERE id = ?`,
		now.Add(extend).Format(time.RFC3339Nano), runID)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "extend queue item lease")
	}
	return nil
}

func (s *Store) MarkRunning(ctx context.Context, runID, ownerID string) error {
	return setQueueStatus(ctx, s.db, runID, store.QueueRunning)
}
func (t tx) MarkRunning(ctx context.Context, runID, ownerID string) error {
	return setQueueStatus(ctx, t.db, runID, store.QueueRunning)
}

func (s *Store) MarkPaused(ctx context.Context, runID string) error {
	return setQueueStatus(ctx, s.db, runID, store.QueuePaused)
}
func (t tx) MarkPaused(ctx context.Context, runID string) error {
	return setQueueStatus(ctx, t.db, runID, store.QueuePaused)
}

func setQueueStatus(ctx context.Context, ex execer, runID string, status store.QueueStatus) error {
	result, err := ex.ExecContext(ctx, `UPDATE queue SET status = ? WHERE id = ?`, string(status), runID)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "update queue item status")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return rrerror.Newf(rrerror.CodeNotFound, "queue item not found: %s", runID)
	}
	return nil
}

func (s *Store) MarkDone(ctx context.Context, runID string) error { return removeQueueItem(ctx, s.db, runID) }
func (t tx) MarkDone(ctx context.Context, runID string) error     { return removeQueueItem(ctx, t.db, runID) }

func (s *Store) Cancel(ctx context.Context, runID string) error { return removeQueueItem(ctx, s.db, runID) }
func (t tx) Cancel(ctx context.Context, runID string) error     { return removeQueueItem(ctx, t.db, runID) }

func removeQueueItem(ctx context.Context, ex execer, runID string) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, runID); err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "remove queue item")
	}
	return nil
}

func (s *Store) GetQueueItem(ctx context.Context, runID string) (*store.QueueItem, error) {
	return getQueueItem(ctx, s.db, runID)
}
func (t tx) GetQueueItem(ctx context.Context, runID string) (*store.QueueItem, error) {
	return getQueueItem(ctx, t.db, runID)
}

func getQueueItem(ctx context.Context, ex execer, runID string) (*store.QueueItem, error) {
	row := ex.QueryRowContext(ctx, `SELECT `+queueSelectCols+` FROM queue WHERE id = ?`, runID)
	item, err := scanQueueItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "queue item not found: %s", runID)
	}
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "get queue item")
	}
	return item, nil
}

func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*store.QueueItem, error) {
	return reclaimExpiredLeases(ctx, s.db, now)
}
func (t tx) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*store.QueueItem, error) {
	return reclaimExpiredLeases(ctx, t.db, now)
}

func reclaimExpiredLeases(ctx context.Context, ex execer, now time.Time) ([]*store.QueueItem, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT `+queueSelectCols+` FROM queue WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, string(store.QueueRunning), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "select expired leases")
	}
	var expired []*store.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, rrerror.Wrap(rrerror.CodeInternal, err, "scan queue item")
		}
		expired = append(expired, item)
	}
	rows.Close()

	var reclaimed []*store.QueueItem
	for _, item := range expired {
		if _, err := ex.ExecContext(ctx, `UPDATE queue SET status = ?, lease_owner = NULL, lease_expires_at = NULL WHERE id = ?`,
			string(store.QueueQueued), item.ID); err != nil {
			return nil, rrerror.Wrap(rrerror.CodeInternal, err, "reclaim expired lease")
		}
		item.Status = store.QueueQueued
		item.Lease = nil
		reclaimed = append(reclaimed, item)
	}
	return reclaimed, nil
}

func (s *Store) RecoverOrphanLeases(ctx context.Context, newOwnerID string, now time.Time) ([]*store.RecoveredLease, error) {
	return recoverOrphanLeases(ctx, s.db, newOwnerID, now)
}
func (t tx) RecoverOrphanLeases(ctx context.Context, newOwnerID string, now time.Time) ([]*store.RecoveredLease, error) {
	return recoverOrphanLeases(ctx, t.db, newOwnerID, now)
}

func (s *Store) ListQueued(ctx context.Context) ([]*store.QueueItem, error) {
	return listQueued(ctx, s.db)
}
func (t tx) ListQueued(ctx context.Context) ([]*store.QueueItem, error) {
	return listQueued(ctx, t.db)
}

func (s *Store) ListAllQueueItems(ctx context.Context) ([]*store.QueueItem, error) {
	return listAllQueueItems(ctx, s.db)
}
func (t tx) ListAllQueueItems(ctx context.Context) ([]*store.QueueItem, error) {
	return listAllQueueItems(ctx, t.db)
}

func listAllQueueItems(ctx context.Context, ex execer) ([]*store.QueueItem, error) {
	rows, err := ex.QueryContext(ctx, `SELECT `+queueSelectCols+` FROM queue ORDER BY created_at ASC`)
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "list all queue items")
	}
	defer rows.Close()

	var items []*store.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, rrerror.Wrap(rrerror.CodeInternal, err, "scan queue item")
		}
		items = append(items, item)
	}
	return items, nil
}

func listQueued(ctx context.Context, ex execer) ([]*store.QueueItem, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT `+queueSelectCols+` FROM queue WHERE status = ? ORDER BY priority DESC, created_at ASC
	`, string(store.QueueQueued))
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "list queued items")
	}
	defer rows.Close()

	var queued []*store.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, rrerror.Wrap(rrerror.CodeInternal, err, "scan queue item")
		}
		queued = append(queued, item)
	}
	return queued, nil
}

// recoverOrphanLeases resets every running queue item back to queued
// and reassigns paused items to newOwnerID while keeping them paused,
// for use once at startup before any new claims are made — see
// internal/recovery, which owns the decision of when this runs.
func recoverOrphanLeases(ctx context.Context, ex execer, newOwnerID string, now time.Time) ([]*store.RecoveredLease, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT `+queueSelectCols+` FROM queue WHERE status IN (?, ?)
	`, string(store.QueueRunning), string(store.QueuePaused))
	if err != nil {
		return nil, rrerror.Wrap(rrerror.CodeInternal, err, "select orphan leases")
	}
	var orphans []*store.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, rrerror.Wrap(rrerror.CodeInternal, err, "scan queue item")
		}
		orphans = append(orphans, item)
	}
	rows.Close()

	var recovered []*store.RecoveredLease
	for _, item := range orphans {
		from := item.Status
		prevOwner := ""
		if item.Lease != nil {
			prevOwner = item.Lease.OwnerID
		}

		switch from {
		case store.QueueRunning:
			if _, err := ex.ExecContext(ctx, `UPDATE queue SET status = ?, lease_owner = NULL, lease_expires_at = NULL WHERE id = ?`,
				string(store.QueueQueued), item.ID); err != nil {
				return nil, rrerror.Wrap(rrerror.CodeInternal, err, "recover orphan lease")
			}
			item.Status = store.QueueQueued
			item.Lease = nil
		case store.QueuePaused:
			expiresAt := now.Add(30 * time.Second)
			if _, err := ex.ExecContext(ctx, `UPDATE queue SET lease_owner = ?, lease_expires_at = ? WHERE id = ?`,
				newOwnerID, expiresAt.Format(time.RFC3339Nano), item.ID); err != nil {
				return nil, rrerror.Wrap(rrerror.CodeInternal, err, "adopt paused lease")
			}
			item.Lease = &store.Lease{OwnerID: newOwnerID, ExpiresAt: expiresAt}
		}

		recovered = append(recovered, &store.RecoveredLease{Item: item, FromStatus: from, PrevOwnerID: prevOwner})
	}
	return recovered, nil
}

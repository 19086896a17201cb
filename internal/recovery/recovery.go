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

// Package recovery runs the startup sequence that reconciles the
// durable queue and run records with whatever state a prior process
// left behind. It never resumes a run mid-node: a recovered run
// restarts from its resolved entry node, trading granular resume for a
// recovery path simple enough to reason about after a crash.
package recovery

import (
	"context"
	"log/slog"
	"time"

	ilog "github.com/tombee/tabconductor/internal/log"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

// Coordinator runs the three-step crash-recovery sequence once at
// process (re)start, before the scheduler begins claiming work.
type Coordinator struct {
	backend store.Backend
	logger  *slog.Logger
}

// New builds a Coordinator against be.
func New(be store.Backend, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{backend: be, logger: logger}
}

// Run executes pre-clean, lease reclaim, and RunRecord reconciliation,
// in that order. ownerID is the identity
// the current process's scheduler will claim leases under.
func (c *Coordinator) Run(ctx context.Context, ownerID string) error {
	cleaned, err := c.preClean(ctx)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "pre-clean orphaned queue items")
	}
	if cleaned > 0 {
		c.logger.Info("recovery pre-clean removed orphaned queue items", "count", cleaned)
	}

	recovered, err := c.backend.RecoverOrphanLeases(ctx, ownerID, time.Now())
	if err != nil {
		return rrerror.Wrap(rrerror.CodeInternal, err, "reclaim orphaned leases")
	}
	for _, rl := range recovered {
		c.logger.Info("recovered orphaned lease",
			"run_id", rl.Item.ID, "from_status", rl.FromStatus, "to_status", rl.Item.Status, "prev_owner_id", rl.PrevOwnerID)
		if err := c.emitRecovered(ctx, rl); err != nil {
			c.logger.Error("append run.recovered failed", ilog.Error(err), "run_id", rl.Item.ID)
		}
		if err := c.reconcile(ctx, rl.Item); err != nil {
			c.logger.Error("reconcile run record failed", ilog.Error(err), "run_id", rl.Item.ID)
		}
	}

	return nil
}

// preClean marks done any queue item whose RunRecord is missing or
// already in a terminal status, so a stale item never blocks the
// scheduler or gets reclaimed into a run that can't proceed.
func (c *Coordinator) preClean(ctx context.Context) (int, error) {
	items, err := c.backend.ListAllQueueItems(ctx)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, item := range items {
		rec, err := c.backend.GetRun(ctx, item.ID)
		if err != nil && rrerror.CodeOf(err) != rrerror.CodeNotFound {
			return cleaned, err
		}
		if err == nil && !rec.Status.Terminal() {
			continue
		}
		if err := c.backend.MarkDone(ctx, item.ID); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}

// emitRecovered appends a run.recovered event carrying the transition
// RecoverOrphanLeases just made.
func (c *Coordinator) emitRecovered(ctx context.Context, rl *store.RecoveredLease) error {
	_, err := c.backend.Append(ctx, rl.Item.ID, &store.RunEvent{
		Kind: store.EventRunRecovered,
		Data: map[string]any{
			"fromStatus":  string(rl.FromStatus),
			"toStatus":    string(rl.Item.Status),
			"prevOwnerId": rl.PrevOwnerID,
		},
		CreatedAt: time.Now(),
	})
	return err
}

// reconcile syncs a RunRecord's status to its queue item's new status
// after recovery. If the run had already reached a terminal status by
// the time recovery ran (e.g. it was canceled through the RPC surface
// just before the crash), the queue item is canceled outright instead
// of being left to re-run.
func (c *Coordinator) reconcile(ctx context.Context, item *store.QueueItem) error {
	rec, err := c.backend.GetRun(ctx, item.ID)
	if err != nil {
		if rrerror.CodeOf(err) == rrerror.CodeNotFound {
			return c.backend.Cancel(ctx, item.ID)
		}
		return err
	}

	if rec.Status.Terminal() {
		return c.backend.Cancel(ctx, item.ID)
	}

	switch item.Status {
	case store.QueueQueued:
		rec.Status = store.RunQueued
	case store.QueuePaused:
		rec.Status = store.RunPaused
	}
	rec.UpdatedAt = time.Now()
	return c.backend.UpdateRun(ctx, rec)
}

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

package recovery

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/tombee/tabconductor/internal/graph"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/internal/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func saveFlow(t *testing.T, be store.Backend, id string) {
	t.Helper()
	flow := graph.Flow{ID: id, Name: id, SchemaVersion: graph.CurrentSchemaVersion, EntryNode: "start",
		Nodes: []graph.Node{{ID: "start", Kind: "log"}}}
	if err := be.SaveFlow(context.Background(), &flow); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
}

func TestRun_PreCleanRemovesQueueItemsWithMissingRunRecord(t *testing.T) {
	be := memstore.New()
	saveFlow(t, be, "f1")
	if err := be.Enqueue(context.Background(), &store.QueueItem{ID: "orphan", FlowID: "f1", Status: store.QueueQueued}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	c := New(be, discardLogger())
	if err := c.Run(context.Background(), "owner-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := be.GetQueueItem(context.Background(), "orphan"); err == nil {
		t.Fatal("expected the orphaned queue item to be removed")
	}
}

func TestRun_PreCleanRemovesQueueItemsWithTerminalRunRecord(t *testing.T) {
	be := memstore.New()
	saveFlow(t, be, "f2")
	if err := be.CreateRun(context.Background(), &store.RunRecord{ID: "done-run", FlowID: "f2", Status: store.RunSucceeded}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := be.Enqueue(context.Background(), &store.QueueItem{ID: "done-run", FlowID: "f2", Status: store.QueueRunning}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	c := New(be, discardLogger())
	if err := c.Run(context.Background(), "owner-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := be.GetQueueItem(context.Background(), "done-run"); err == nil {
		t.Fatal("expected the queue item for a terminal run to be removed")
	}
}

func TestRun_ReclaimsRunningLeaseAsQueued(t *testing.T) {
	be := memstore.New()
	saveFlow(t, be, "f3")
	if err := be.CreateRun(context.Background(), &store.RunRecord{ID: "r3", FlowID: "f3", Status: store.RunRunning}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := be.Enqueue(context.Background(), &store.QueueItem{ID: "r3", FlowID: "f3", Status: store.QueueQueued}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := be.ClaimNext(context.Background(), "old-owner", time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	c := New(be, discardLogger())
	if err := c.Run(context.Background(), "new-owner"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	item, err := be.GetQueueItem(context.Background(), "r3")
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if item.Status != store.QueueQueued {
		t.Errorf("expected QueueQueued after recovery, got %s", item.Status)
	}
	if item.Lease != nil {
		t.Error("expected no lease on a reclaimed running item")
	}

	rec, err := be.GetRun(context.Background(), "r3")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != store.RunQueued {
		t.Errorf("expected RunRecord status reconciled to queued, got %s", rec.Status)
	}

	events, err := be.ListEvents(context.Background(), "r3", store.EventListOpts{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Kind != store.EventRunRecovered {
		t.Fatalf("expected a single run.recovered event, got %+v", events)
	}
	if events[0].Data["fromStatus"] != "running" || events[0].Data["prevOwnerId"] != "old-owner" {
		t.Errorf("unexpected run.recovered event data: %+v", events[0].Data)
	}
}

func TestRun_AdoptsPausedLeasePreservingPausedStatus(t *testing.T) {
	be := memstore.New()
	saveFlow(t, be, "f4")
	if err := be.CreateRun(context.Background(), &store.RunRecord{ID: "r4", FlowID: "f4", Status: store.RunPaused}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := be.Enqueue(context.Background(), &store.QueueItem{ID: "r4", FlowID: "f4", Status: store.QueueQueued}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := be.ClaimNext(context.Background(), "old-owner", time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := be.MarkPaused(context.Background(), "r4"); err != nil {
		t.Fatalf("MarkPaused: %v", err)
	}

	c := New(be, discardLogger())
	if err := c.Run(context.Background(), "new-owner"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	item, err := be.GetQueueItem(context.Background(), "r4")
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if item.Status != store.QueuePaused {
		t.Errorf("expected paused status preserved, got %s", item.Status)
	}
	if item.Lease == nil || item.Lease.OwnerID != "new-owner" {
		t.Errorf("expected the lease reassigned to the new owner, got %+v", item.Lease)
	}

	rec, err := be.GetRun(context.Background(), "r4")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != store.RunPaused {
		t.Errorf("expected RunRecord status to remain paused, got %s", rec.Status)
	}
}

func TestRun_CancelsQueueItemWhenRunRecordTurnedTerminalDuringRecovery(t *testing.T) {
	be := memstore.New()
	saveFlow(t, be, "f5")
	if err := be.CreateRun(context.Background(), &store.RunRecord{ID: "r5", FlowID: "f5", Status: store.RunRunning}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := be.Enqueue(context.Background(), &store.QueueItem{ID: "r5", FlowID: "f5", Status: store.QueueQueued}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := be.ClaimNext(context.Background(), "old-owner", time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	// Simulate the run having been canceled through the RPC surface
	// moments before the crash, leaving its RunRecord terminal while the
	// queue item still looks like live work.
	rec, err := be.GetRun(context.Background(), "r5")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	rec.Status = store.RunCanceled
	if err := be.UpdateRun(context.Background(), rec); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	c := New(be, discardLogger())
	if err := c.Run(context.Background(), "new-owner"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := be.GetQueueItem(context.Background(), "r5"); err == nil {
		t.Fatal("expected the queue item to be canceled alongside the terminal run record")
	}
}

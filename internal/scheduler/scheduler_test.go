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

package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/tombee/tabconductor/internal/eventbus"
	"github.com/tombee/tabconductor/internal/graph"
	"github.com/tombee/tabconductor/internal/runner"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/internal/store/memstore"
	"github.com/tombee/tabconductor/internal/testutil"
	"github.com/tombee/tabconductor/pkg/plugin"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func seedRun(t *testing.T, be store.Backend, flow graph.Flow, args map[string]any) *store.QueueItem {
	t.Helper()
	ctx := context.Background()
	if err := be.SaveFlow(ctx, &flow); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	rec := &store.RunRecord{ID: "run-" + flow.ID, FlowID: flow.ID, Status: store.RunQueued, Args: args}
	if err := be.CreateRun(ctx, rec); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	item := &store.QueueItem{ID: rec.ID, FlowID: flow.ID, Args: args, Status: store.QueueQueued}
	if err := be.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return item
}

func waitTerminal(t *testing.T, be store.Backend, runID string, timeout time.Duration) *store.RunRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		rec, err := be.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if rec.Status.Terminal() {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s did not reach a terminal status in time (status=%s)", runID, rec.Status)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScheduler_ClaimsAndStartsQueuedRun(t *testing.T) {
	be := memstore.New()
	bus := eventbus.New(32)
	r := runner.New(runner.Config{MaxParallel: 2, DefaultTimeout: 5 * time.Second}, be, bus, testutil.Registry(), "owner-1", discardLogger())
	s := New(Config{PollInterval: 20 * time.Millisecond}, be, r, "owner-1", discardLogger())

	seedRun(t, be, testutil.LinearFlow("sched-linear"), nil)

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop()

	rec := waitTerminal(t, be, "run-sched-linear", 2*time.Second)
	if rec.Status != store.RunSucceeded {
		t.Fatalf("expected RunSucceeded, got %s (err=%s)", rec.Status, rec.Error)
	}
}

func TestScheduler_KickWakesLoopBeforePoll(t *testing.T) {
	be := memstore.New()
	bus := eventbus.New(32)
	r := runner.New(runner.Config{MaxParallel: 2, DefaultTimeout: 5 * time.Second}, be, bus, testutil.Registry(), "owner-1", discardLogger())
	s := New(Config{PollInterval: time.Hour}, be, r, "owner-1", discardLogger())

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop()

	// Give the loop a chance to settle into its initial select before
	// the item exists, then enqueue and kick it awake.
	time.Sleep(10 * time.Millisecond)
	seedRun(t, be, testutil.LinearFlow("sched-kick"), nil)
	s.Kick()

	waitTerminal(t, be, "run-sched-kick", 2*time.Second)
}

func TestScheduler_RespectsAvailableSlots(t *testing.T) {
	be := memstore.New()
	bus := eventbus.New(32)
	registry := testutil.Registry()
	gate := make(chan struct{})
	registry.RegisterNode(plugin.NodeDefinition{
		Kind: "gated",
		Execute: func(_ context.Context, _ plugin.Execution) (plugin.Result, error) {
			<-gate
			return plugin.Succeed(nil), nil
		},
	})
	r := runner.New(runner.Config{MaxParallel: 1, DefaultTimeout: 5 * time.Second}, be, bus, registry, "owner-1", discardLogger())
	s := New(Config{PollInterval: 10 * time.Millisecond}, be, r, "owner-1", discardLogger())

	flow := testutil.NewFlowBuilder("sched-gated", "start").Node("start", "gated", nil).Build()
	seedRun(t, be, flow, nil)
	item2 := seedRun(t, be, testutil.LinearFlow("sched-second"), nil)

	ctx := context.Background()
	s.Start(ctx)
	defer func() {
		close(gate)
		s.Stop()
	}()

	// With MaxParallel=1 and the gated run occupying the only slot, the
	// second item must stay queued rather than being claimed early.
	time.Sleep(50 * time.Millisecond)
	second, err := be.GetQueueItem(ctx, item2.ID)
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if second.Status != store.QueueQueued {
		t.Fatalf("expected second item to remain queued while the runner is saturated, got %s", second.Status)
	}
}

func TestScheduler_HeartbeatExtendsActiveLease(t *testing.T) {
	be := memstore.New()
	bus := eventbus.New(32)
	registry := testutil.Registry()
	gate := make(chan struct{})
	registry.RegisterNode(plugin.NodeDefinition{
		Kind: "gated",
		Execute: func(_ context.Context, _ plugin.Execution) (plugin.Result, error) {
			<-gate
			return plugin.Succeed(nil), nil
		},
	})
	r := runner.New(runner.Config{MaxParallel: 2, DefaultTimeout: 5 * time.Second}, be, bus, registry, "owner-1", discardLogger())
	s := New(Config{HeartbeatInterval: 10 * time.Millisecond, LeaseExtend: time.Minute}, be, r, "owner-1", discardLogger())

	flow := testutil.NewFlowBuilder("sched-heartbeat", "start").Node("start", "gated", nil).Build()
	item := seedRun(t, be, flow, nil)

	if err := r.Start(context.Background(), item); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer close(gate)

	before, err := be.GetQueueItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}

	s.heartbeatActive(context.Background())

	after, err := be.GetQueueItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if before.Lease == nil || after.Lease == nil {
		t.Fatal("expected a lease on the claimed item")
	}
	if !after.Lease.ExpiresAt.After(before.Lease.ExpiresAt) {
		t.Errorf("expected heartbeat to push lease expiry forward, before=%s after=%s", before.Lease.ExpiresAt, after.Lease.ExpiresAt)
	}
}

func TestScheduler_ReclaimRequeuesExpiredLease(t *testing.T) {
	be := memstore.New()
	bus := eventbus.New(32)
	r := runner.New(runner.Config{MaxParallel: 2, DefaultTimeout: 5 * time.Second}, be, bus, testutil.Registry(), "owner-1", discardLogger())
	s := New(Config{}, be, r, "owner-2", discardLogger())

	seedRun(t, be, testutil.LinearFlow("sched-reclaim"), nil)

	ctx := context.Background()
	claimed, err := be.ClaimNext(ctx, "stale-owner", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected to claim the seeded item")
	}

	s.reclaim(ctx)

	item, err := be.GetQueueItem(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if item.Status != store.QueueQueued {
		t.Fatalf("expected reclaimed item back to QueueQueued, got %s", item.Status)
	}
}

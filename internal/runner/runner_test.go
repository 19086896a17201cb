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

package runner

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/tombee/tabconductor/internal/eventbus"
	"github.com/tombee/tabconductor/internal/graph"
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

func newHarness(t *testing.T) (*Runner, store.Backend, *eventbus.Bus) {
	t.Helper()
	be := memstore.New()
	bus := eventbus.New(32)
	registry := testutil.Registry()
	r := New(Config{MaxParallel: 2, DefaultTimeout: 5 * time.Second}, be, bus, registry, "test-owner", discardLogger())
	return r, be, bus
}

func seedRun(t *testing.T, be store.Backend, flow graph.Flow, args map[string]any) *store.QueueItem {
	t.Helper()
	ctx := context.Background()
	if err := be.SaveFlow(ctx, &flow); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	rec := &store.RunRecord{
		ID:     "run-" + flow.ID,
		FlowID: flow.ID,
		Status: store.RunQueued,
		Args:   args,
	}
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

func TestRunner_LinearFlowSucceeds(t *testing.T) {
	r, be, bus := newHarness(t)
	flow := testutil.LinearFlow("linear")
	item := seedRun(t, be, flow, map[string]any{"seed": "value"})

	collector := testutil.CollectEvents(bus, item.ID)
	defer collector.Stop()

	if err := r.Start(context.Background(), item); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := waitTerminal(t, be, item.ID, 2*time.Second)
	if rec.Status != store.RunSucceeded {
		t.Fatalf("expected RunSucceeded, got %s (err=%s)", rec.Status, rec.Error)
	}

	events := collector.WaitForCount(1, 200*time.Millisecond)
	var sawStart, sawEnd bool
	for _, e := range events {
		if e.Kind == store.EventRunStarted {
			sawStart = true
		}
		if e.Kind == store.EventRunSucceeded {
			sawEnd = true
		}
	}
	if !sawStart {
		t.Error("expected a run.started event")
	}
	if !sawEnd {
		t.Error("expected a run.succeeded event")
	}
}

func TestRunner_NodeFailureFailsRun(t *testing.T) {
	r, be, _ := newHarness(t)
	registry := testutil.Registry()
	registry.RegisterNode(plugin.NodeDefinition{
		Kind: "boom",
		Execute: func(_ context.Context, _ plugin.Execution) (plugin.Result, error) {
			return plugin.Fail(errors.New("kaboom")), nil
		},
	})
	r.registry = registry

	flow := testutil.NewFlowBuilder("boomflow", "start").
		Node("start", "boom", nil).
		Build()
	item := seedRun(t, be, flow, nil)

	if err := r.Start(context.Background(), item); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := waitTerminal(t, be, item.ID, 2*time.Second)
	if rec.Status != store.RunFailed {
		t.Fatalf("expected RunFailed, got %s", rec.Status)
	}
	if rec.Error == "" {
		t.Error("expected a recorded error message")
	}
}

func TestRunner_OnErrorContinueSkipsToNextNode(t *testing.T) {
	r, be, _ := newHarness(t)
	registry := testutil.Registry()
	registry.RegisterNode(plugin.NodeDefinition{
		Kind: "boom",
		Execute: func(_ context.Context, _ plugin.Execution) (plugin.Result, error) {
			return plugin.Fail(errors.New("transient")), nil
		},
	})
	r.registry = registry

	flow := testutil.NewFlowBuilder("continueflow", "start").
		NodeWithPolicy("start", "boom", nil, graph.Policy{OnError: &graph.OnErrorPolicy{Action: graph.OnErrorContinue}}).
		Node("end", "echo", map[string]any{"k": "v"}).
		Edge("start", "end", "").
		Build()
	item := seedRun(t, be, flow, nil)

	if err := r.Start(context.Background(), item); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := waitTerminal(t, be, item.ID, 2*time.Second)
	if rec.Status != store.RunSucceeded {
		t.Fatalf("expected RunSucceeded after onError continue, got %s (err=%s)", rec.Status, rec.Error)
	}
}

func TestRunner_CancelStopsRun(t *testing.T) {
	r, be, _ := newHarness(t)
	registry := testutil.Registry()
	registry.RegisterNode(plugin.NodeDefinition{
		Kind: "slow",
		Execute: func(ctx context.Context, _ plugin.Execution) (plugin.Result, error) {
			select {
			case <-time.After(5 * time.Second):
				return plugin.Succeed(nil), nil
			case <-ctx.Done():
				return plugin.Result{}, ctx.Err()
			}
		},
	})
	r.registry = registry

	flow := testutil.NewFlowBuilder("cancelflow", "start").
		Node("start", "slow", nil).
		Build()
	item := seedRun(t, be, flow, nil)

	if err := r.Start(context.Background(), item); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := r.Cancel(item.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	rec := waitTerminal(t, be, item.ID, 2*time.Second)
	if rec.Status != store.RunCanceled && rec.Status != store.RunFailed {
		t.Fatalf("expected run to terminate via cancellation, got %s", rec.Status)
	}
}

// TestRunner_PauseThenResume uses a gated first node so the test can call
// Pause before the node finishes, guaranteeing the pause check between
// node 1 and node 2 observes it rather than racing node 1's completion.
func TestRunner_PauseThenResume(t *testing.T) {
	r, be, _ := newHarness(t)
	registry := testutil.Registry()
	gate := make(chan struct{})
	entered := make(chan struct{})
	registry.RegisterNode(plugin.NodeDefinition{
		Kind: "gated",
		Execute: func(_ context.Context, _ plugin.Execution) (plugin.Result, error) {
			close(entered)
			<-gate
			return plugin.Succeed(nil), nil
		},
	})
	r.registry = registry

	flow := testutil.NewFlowBuilder("pauseflow", "start").
		Node("start", "gated", nil).
		Node("end", "echo", map[string]any{"k": "v"}).
		Edge("start", "end", "").
		Build()
	item := seedRun(t, be, flow, nil)

	if err := r.Start(context.Background(), item); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-entered
	if err := r.Pause(item.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(gate)

	time.Sleep(20 * time.Millisecond)
	rec, err := be.GetRun(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != store.RunPaused {
		t.Fatalf("expected RunPaused while paused between nodes, got %s", rec.Status)
	}

	if err := r.Resume(item.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	rec = waitTerminal(t, be, item.ID, 2*time.Second)
	if rec.Status != store.RunSucceeded {
		t.Fatalf("expected RunSucceeded after pause/resume, got %s (err=%s)", rec.Status, rec.Error)
	}
}

func TestRunner_UnknownNodeKindFailsRun(t *testing.T) {
	r, be, _ := newHarness(t)
	flow := testutil.NewFlowBuilder("unknownkind", "start").
		Node("start", "does-not-exist", nil).
		Build()
	item := seedRun(t, be, flow, nil)

	if err := r.Start(context.Background(), item); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := waitTerminal(t, be, item.ID, 2*time.Second)
	if rec.Status != store.RunFailed {
		t.Fatalf("expected RunFailed for unsupported node kind, got %s", rec.Status)
	}
}

func TestRunner_WaitForDrain(t *testing.T) {
	r, be, _ := newHarness(t)
	flow := testutil.LinearFlow("drainflow")
	item := seedRun(t, be, flow, nil)

	if err := r.Start(context.Background(), item); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r.StartDraining()
	if !r.IsDraining() {
		t.Error("expected IsDraining true after StartDraining")
	}
	if err := r.WaitForDrain(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("WaitForDrain: %v", err)
	}
	if r.ActiveRunCount() != 0 {
		t.Errorf("expected 0 active runs after drain, got %d", r.ActiveRunCount())
	}

	item2 := seedRun(t, be, testutil.LinearFlow("drainflow2"), nil)
	if err := r.Start(context.Background(), item2); err == nil {
		t.Error("expected Start to reject new work while draining")
	}
}

func TestCalculateBackoff_CapsAtMax(t *testing.T) {
	p := &graph.RetryPolicy{
		MaxAttempts: 5,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  200 * time.Millisecond,
		Jitter:      false,
	}
	d := calculateBackoff(p, 10)
	if d != 200*time.Millisecond {
		t.Errorf("expected backoff capped at 200ms, got %s", d)
	}
}

func TestCalculateBackoff_GrowsExponentially(t *testing.T) {
	p := &graph.RetryPolicy{BackoffBase: 10 * time.Millisecond, BackoffMax: time.Hour}
	d1 := calculateBackoff(p, 1)
	d2 := calculateBackoff(p, 2)
	if d2 <= d1 {
		t.Errorf("expected attempt 2 backoff (%s) > attempt 1 backoff (%s)", d2, d1)
	}
}

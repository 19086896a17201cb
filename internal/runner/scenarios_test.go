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
	"testing"
	"time"

	"github.com/tombee/tabconductor/internal/graph"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/internal/testutil"
)

// kindsInOrder extracts the event Kind sequence in seq order, for tests
// that assert a full literal event trace rather than just presence.
func kindsInOrder(events []*store.RunEvent) []store.EventKind {
	out := make([]store.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

// TestScenario_TwoNodeLinearSuccess is the flow in this shape: nodes
// A(kind:"log", config:{message:"hi"}), B(kind:"log", config:{message:"bye"}),
// edge A->B, entry A.
func TestScenario_TwoNodeLinearSuccess(t *testing.T) {
	r, be, bus := newHarness(t)
	flow := testutil.NewFlowBuilder("scenario1", "A").
		Node("A", "log", map[string]any{"message": "hi"}).
		Node("B", "log", map[string]any{"message": "bye"}).
		Edge("A", "B", "").
		Build()
	item := seedRun(t, be, flow, nil)

	collector := testutil.CollectEvents(bus, item.ID)
	defer collector.Stop()

	if err := r.Start(context.Background(), item); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := waitTerminal(t, be, item.ID, 2*time.Second)
	if rec.Status != store.RunSucceeded {
		t.Fatalf("expected RunSucceeded, got %s (err=%s)", rec.Status, rec.Error)
	}

	want := []store.EventKind{
		store.EventRunStarted,
		store.EventNodeQueued, store.EventNodeStarted, store.EventNodeSucceeded,
		store.EventNodeQueued, store.EventNodeStarted, store.EventNodeSucceeded,
		store.EventRunSucceeded,
	}
	events := collector.WaitForCount(len(want), 2*time.Second)
	got := kindsInOrder(events)
	if len(got) < len(want) {
		t.Fatalf("expected at least %d events, got %d: %v", len(want), len(got), got)
	}
	for i, k := range want {
		if got[i] != k {
			t.Errorf("event %d: expected %s, got %s (full sequence %v)", i, k, got[i], got)
		}
	}
}

// TestScenario_RetryThenSucceed is a single node X(kind:"flaky",
// config:{failTimes:1}) with retry{maxAttempts:1}: attempt 1 fails with
// a retryable TOOL_ERROR, attempt 2 succeeds.
func TestScenario_RetryThenSucceed(t *testing.T) {
	r, be, bus := newHarness(t)
	flow := testutil.NewFlowBuilder("scenario2", "X").
		NodeWithPolicy("X", "flaky", map[string]any{"failTimes": float64(1)}, graph.Policy{
			Retry: &graph.RetryPolicy{MaxAttempts: 1, BackoffBase: time.Millisecond},
		}).
		Build()
	item := seedRun(t, be, flow, nil)

	collector := testutil.CollectEvents(bus, item.ID)
	defer collector.Stop()

	if err := r.Start(context.Background(), item); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := waitTerminal(t, be, item.ID, 2*time.Second)
	if rec.Status != store.RunSucceeded {
		t.Fatalf("expected RunSucceeded, got %s (err=%s)", rec.Status, rec.Error)
	}

	events := collector.WaitForCount(6, 2*time.Second)
	var failed, secondStart *store.RunEvent
	for i, e := range events {
		if e.Kind == store.EventNodeFailed && e.Attempt == 1 {
			failed = e
		}
		if e.Kind == store.EventNodeStarted && e.Attempt == 2 {
			secondStart = events[i]
		}
	}
	if failed == nil {
		t.Fatalf("expected a node.failed event for attempt 1, got %v", kindsInOrder(events))
	}
	if failed.Data["decision"] != "retry" {
		t.Errorf("expected node.failed(X,1) to carry decision:retry, got %+v", failed.Data)
	}
	if secondStart == nil {
		t.Fatalf("expected a node.started event for attempt 2, got %v", kindsInOrder(events))
	}
}

// TestScenario_CancelWhilePaused pauses a run between its two nodes,
// then cancels it: the run must end in run.canceled with no further
// node or run events following.
func TestScenario_CancelWhilePaused(t *testing.T) {
	r, be, bus := newHarness(t)
	flow := testutil.NewFlowBuilder("scenario4", "A").
		Node("A", "log", map[string]any{"message": "hi"}).
		Node("B", "log", map[string]any{"message": "bye"}).
		Edge("A", "B", "").
		Build()
	item := seedRun(t, be, flow, nil)

	collector := testutil.CollectEvents(bus, item.ID)
	defer collector.Stop()

	if err := r.Start(context.Background(), item); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Pause(item.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := be.GetRun(context.Background(), item.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if rec.Status == store.RunPaused {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never reached paused status (status=%s)", rec.Status)
		}
		time.Sleep(time.Millisecond)
	}

	if err := r.Cancel(item.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	rec := waitTerminal(t, be, item.ID, 2*time.Second)
	if rec.Status != store.RunCanceled {
		t.Fatalf("expected RunCanceled, got %s", rec.Status)
	}

	events := collector.WaitForCount(1, 300*time.Millisecond)
	var sawCanceled bool
	for i, e := range events {
		if e.Kind == store.EventRunCanceled {
			sawCanceled = true
			if i != len(events)-1 {
				t.Errorf("expected run.canceled to be the last event, got %v", kindsInOrder(events))
			}
		}
	}
	if !sawCanceled {
		t.Errorf("expected a run.canceled event, got %v", kindsInOrder(events))
	}

	// cancel(runId) is idempotent: a run no longer active on this Runner
	// (it has already finished) yields a no-op nil, never a second
	// run.canceled or a status change.
	if err := r.Cancel(item.ID); err != nil {
		t.Errorf("expected a redundant Cancel to be a no-op, got error: %v", err)
	}
	rec2, err := be.GetRun(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec2.Status != store.RunCanceled {
		t.Errorf("expected status to remain canceled after a redundant Cancel, got %s", rec2.Status)
	}
	events2 := collector.Events()
	if len(events2) != len(events) {
		t.Errorf("expected no additional events after a redundant Cancel, had %d now have %d", len(events), len(events2))
	}
}

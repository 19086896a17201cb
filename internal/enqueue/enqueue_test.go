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

package enqueue

import (
	"context"
	"log/slog"
	"testing"

	"github.com/tombee/tabconductor/internal/graph"
	"github.com/tombee/tabconductor/internal/queue"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/internal/store/memstore"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func saveFlow(t *testing.T, be store.Backend, id string) {
	t.Helper()
	flow := graph.Flow{ID: id, Name: id, SchemaVersion: graph.CurrentSchemaVersion, EntryNode: "start", Nodes: []graph.Node{
		{ID: "start", Kind: "log"},
		{ID: "alt", Kind: "log"},
	}}
	if err := be.SaveFlow(context.Background(), &flow); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
}

func TestEnqueueRun_Succeeds(t *testing.T) {
	be := memstore.New()
	saveFlow(t, be, "flow-1")
	svc := New(be, nil, nil, discardLogger())

	res, err := svc.EnqueueRun(context.Background(), Request{FlowID: "flow-1", Priority: 1})
	if err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	if res.RunID == "" {
		t.Fatal("expected a generated run id")
	}
	if res.Position != 1 {
		t.Errorf("expected position 1 for the only queued run, got %d", res.Position)
	}

	rec, err := be.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != store.RunQueued {
		t.Errorf("expected RunQueued, got %s", rec.Status)
	}
	if rec.MaxAttempts != 1 {
		t.Errorf("expected default MaxAttempts 1, got %d", rec.MaxAttempts)
	}

	events, err := be.ListEvents(context.Background(), res.RunID, store.EventListOpts{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Kind != store.EventRunQueued {
		t.Errorf("expected a single run.queued event, got %+v", events)
	}
}

func TestEnqueueRun_RejectsMissingFlowID(t *testing.T) {
	be := memstore.New()
	svc := New(be, nil, nil, discardLogger())

	_, err := svc.EnqueueRun(context.Background(), Request{})
	if rrerror.CodeOf(err) != rrerror.CodeValidation {
		t.Fatalf("expected CodeValidation, got %v", err)
	}
}

func TestEnqueueRun_RejectsUnknownStartNode(t *testing.T) {
	be := memstore.New()
	saveFlow(t, be, "flow-2")
	svc := New(be, nil, nil, discardLogger())

	_, err := svc.EnqueueRun(context.Background(), Request{FlowID: "flow-2", StartNodeID: "does-not-exist"})
	if rrerror.CodeOf(err) != rrerror.CodeValidation {
		t.Fatalf("expected CodeValidation for unknown start node, got %v", err)
	}
}

func TestEnqueueRun_AcceptsValidStartNode(t *testing.T) {
	be := memstore.New()
	saveFlow(t, be, "flow-3")
	svc := New(be, nil, nil, discardLogger())

	res, err := svc.EnqueueRun(context.Background(), Request{FlowID: "flow-3", StartNodeID: "alt"})
	if err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	rec, err := be.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.StartNodeID != "alt" {
		t.Errorf("expected StartNodeID %q, got %q", "alt", rec.StartNodeID)
	}
}

func TestEnqueueRun_RejectsNegativePriority(t *testing.T) {
	be := memstore.New()
	saveFlow(t, be, "flow-4")
	svc := New(be, nil, nil, discardLogger())

	_, err := svc.EnqueueRun(context.Background(), Request{FlowID: "flow-4", Priority: -1})
	if rrerror.CodeOf(err) != rrerror.CodeValidation {
		t.Fatalf("expected CodeValidation for negative priority, got %v", err)
	}
}

func TestEnqueueRun_OrdersPositionByPriority(t *testing.T) {
	be := memstore.New()
	saveFlow(t, be, "flow-5")
	svc := New(be, nil, nil, discardLogger())

	// Position reflects an instantaneous snapshot, so "low" is alone in
	// the queue (position 1) at the moment its own EnqueueRun call
	// computes it — "high" hasn't been enqueued yet.
	low, err := svc.EnqueueRun(context.Background(), Request{FlowID: "flow-5", Priority: 0})
	if err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	if low.Position != 1 {
		t.Errorf("expected the only queued run at position 1, got %d", low.Position)
	}

	// Once "high" joins with a greater priority, a fresh lookup ranks it
	// ahead of "low".
	high, err := svc.EnqueueRun(context.Background(), Request{FlowID: "flow-5", Priority: 10})
	if err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	if high.Position != 1 {
		t.Errorf("expected higher priority run at position 1, got %d", high.Position)
	}

	pos, err := queue.Position(context.Background(), be, low.RunID)
	if err != nil {
		t.Fatalf("queue.Position: %v", err)
	}
	if pos != 2 {
		t.Errorf("expected the lower priority run now ranked at position 2, got %d", pos)
	}
}

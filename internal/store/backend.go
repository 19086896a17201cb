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

package store

import (
	"context"
	"io"
	"time"

	"github.com/tombee/tabconductor/internal/graph"
)

// FlowStore is the core interface for flow graph storage.
type FlowStore interface {
	SaveFlow(ctx context.Context, f *graph.Flow) error
	GetFlow(ctx context.Context, id string) (*graph.Flow, error)
	ListFlows(ctx context.Context, filter FlowFilter) ([]*graph.Flow, error)
	DeleteFlow(ctx context.Context, id string) error
}

// RunStore is the core interface for run record storage.
type RunStore interface {
	CreateRun(ctx context.Context, r *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	UpdateRun(ctx context.Context, r *RunRecord) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
}

// EventStore is the append-only run event log. Append assigns and
// returns the next dense seq for runID; callers never supply seq.
type EventStore interface {
	Append(ctx context.Context, runID string, e *RunEvent) (int64, error)
	ListEvents(ctx context.Context, runID string, opts EventListOpts) ([]*RunEvent, error)
}

// QueueStore is the durable, lease-based run queue.
type QueueStore interface {
	Enqueue(ctx context.Context, item *QueueItem) error
	ClaimNext(ctx context.Context, ownerID string, now time.Time) (*QueueItem, error)
	Heartbeat(ctx context.Context, runID, ownerID string, now time.Time, extend time.Duration) error
	MarkRunning(ctx context.Context, runID, ownerID string) error
	MarkPaused(ctx context.Context, runID string) error
	MarkDone(ctx context.Context, runID string) error
	Cancel(ctx context.Context, runID string) error
	GetQueueItem(ctx context.Context, runID string) (*QueueItem, error)
	ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*QueueItem, error)
	// RecoverOrphanLeases transitions every running/paused item left
	// behind by a prior process: running items go back to queued with
	// no lease; paused items keep their paused status but their lease
	// is reassigned to newOwnerID. Call once at startup before the
	// scheduler starts claiming work.
	RecoverOrphanLeases(ctx context.Context, newOwnerID string, now time.Time) ([]*RecoveredLease, error)
	// ListQueued returns every QueueQueued item in claim order (priority
	// descending, createdAt ascending) — the same order ClaimNext would
	// hand them out in, so a caller can compute a stable queue position.
	ListQueued(ctx context.Context) ([]*QueueItem, error)
	// ListAllQueueItems returns every queue item regardless of status,
	// for startup recovery's pre-clean pass.
	ListAllQueueItems(ctx context.Context) ([]*QueueItem, error)
}

// TriggerStore is persistence for trigger specs.
type TriggerStore interface {
	SaveTrigger(ctx context.Context, t *TriggerSpec) error
	GetTrigger(ctx context.Context, id string) (*TriggerSpec, error)
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*TriggerSpec, error)
	DeleteTrigger(ctx context.Context, id string) error
}

// VarStore is persistence for process-wide persistent vars.
type VarStore interface {
	GetVar(ctx context.Context, name string) (*PersistentVar, error)
	SetVar(ctx context.Context, v *PersistentVar) error
	DeleteVar(ctx context.Context, name string) error
	ListVars(ctx context.Context) ([]*PersistentVar, error)
}

// Tx is a scoped transaction handle. Every store method is also
// reachable through the Tx returned to a WithTx callback, so that a
// caller composing several writes (e.g. appending an event and updating
// a RunRecord) runs them as one unit.
type Tx interface {
	FlowStore
	RunStore
	EventStore
	QueueStore
	TriggerStore
	VarStore
}

// Backend is the full storage contract. sqlitestore and memstore each
// implement it in full; a narrower consumer should accept only the
// segregated interface it needs (e.g. the trigger manager accepts
// TriggerStore, not Backend).
type Backend interface {
	FlowStore
	RunStore
	EventStore
	QueueStore
	TriggerStore
	VarStore

	// WithTx runs fn inside a scoped transaction, committing if fn
	// returns nil. sqlitestore rolls back when fn returns an error;
	// memstore applies fn's writes as they happen and does not roll
	// them back. Nested calls are not
	// supported; fn must not call WithTx again on the same Backend.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	io.Closer
}

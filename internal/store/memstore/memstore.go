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

// Package memstore is an in-memory store.Backend, used by tests and by
// tabconductord when the configured backend type is "memory"; nothing it holds
// survives a process restart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombee/tabconductor/internal/graph"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

var (
	_ store.Backend = (*Store)(nil)
	_ store.Tx      = (*tx)(nil)
)

// Store is a mutex-protected, in-process store.Backend. Every exported
// method takes the lock and delegates to the unexported, unlocked core
// also used by tx, so WithTx can hold the lock once across a whole
// closure instead of re-entering a non-reentrant mutex.
type Store struct {
	mu sync.Mutex

	flows    map[string]*graph.Flow
	runs     map[string]*store.RunRecord
	events   map[string][]*store.RunEvent
	queue    map[string]*store.QueueItem
	triggers map[string]*store.TriggerSpec
	vars     map[string]*store.PersistentVar
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		flows:    make(map[string]*graph.Flow),
		runs:     make(map[string]*store.RunRecord),
		events:   make(map[string][]*store.RunEvent),
		queue:    make(map[string]*store.QueueItem),
		triggers: make(map[string]*store.TriggerSpec),
		vars:     make(map[string]*store.PersistentVar),
	}
}

func (s *Store) Close() error { return nil }

// tx is the store.Tx handed to a WithTx closure. It shares the Store's
// maps but calls the unlocked core directly, since Store.mu is already
// held for the closure's duration.
type tx struct{ s *Store }

// WithTx runs fn under the store's single global mutex, serializing it
// against every other Store method call. fn's writes are applied as it
// makes them; they are not rolled back when fn returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(t store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(tx{s: s})
}

// --- FlowStore ---

func (s *Store) SaveFlow(ctx context.Context, f *graph.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveFlow(f)
}
func (t tx) SaveFlow(ctx context.Context, f *graph.Flow) error { return t.s.saveFlow(f) }

func (s *Store) saveFlow(f *graph.Flow) error {
	now := time.Now()
	if existing, ok := s.flows[f.ID]; ok {
		f.CreatedAt = existing.CreatedAt
	} else {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	cp := *f
	s.flows[f.ID] = &cp
	return nil
}

func (s *Store) GetFlow(ctx context.Context, id string) (*graph.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getFlow(id)
}
func (t tx) GetFlow(ctx context.Context, id string) (*graph.Flow, error) { return t.s.getFlow(id) }

func (s *Store) getFlow(id string) (*graph.Flow, error) {
	f, ok := s.flows[id]
	if !ok {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "flow not found: %s", id)
	}
	cp := *f
	return &cp, nil
}

func (s *Store) ListFlows(ctx context.Context, filter store.FlowFilter) ([]*graph.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listFlows(filter)
}
func (t tx) ListFlows(ctx context.Context, filter store.FlowFilter) ([]*graph.Flow, error) {
	return t.s.listFlows(filter)
}

func (s *Store) listFlows(filter store.FlowFilter) ([]*graph.Flow, error) {
	var out []*graph.Flow
	for _, f := range s.flows {
		if filter.Tag != "" && !containsString(f.Tags, filter.Tag) {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) DeleteFlow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteFlow(id)
}
func (t tx) DeleteFlow(ctx context.Context, id string) error { return t.s.deleteFlow(id) }

func (s *Store) deleteFlow(id string) error {
	var triggerCount, queuedCount int
	for _, t := range s.triggers {
		if t.FlowID == id {
			triggerCount++
		}
	}
	for _, q := range s.queue {
		if q.FlowID == id {
			queuedCount++
		}
	}
	if triggerCount > 0 || queuedCount > 0 {
		return &store.FlowInUseError{FlowID: id, TriggerCount: triggerCount, QueuedRunCount: queuedCount}
	}
	delete(s.flows, id)
	return nil
}

// --- RunStore ---

func (s *Store) CreateRun(ctx context.Context, r *store.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createRun(r)
}
func (t tx) CreateRun(ctx context.Context, r *store.RunRecord) error { return t.s.createRun(r) }

func (s *Store) createRun(r *store.RunRecord) error {
	if _, exists := s.runs[r.ID]; exists {
		return rrerror.Newf(rrerror.CodeValidation, "run already exists: %s", r.ID)
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*store.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRun(id)
}
func (t tx) GetRun(ctx context.Context, id string) (*store.RunRecord, error) { return t.s.getRun(id) }

func (s *Store) getRun(id string) (*store.RunRecord, error) {
	r, ok := s.runs[id]
	if !ok {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "run not found: %s", id)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpdateRun(ctx context.Context, r *store.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRun(r)
}
func (t tx) UpdateRun(ctx context.Context, r *store.RunRecord) error { return t.s.updateRun(r) }

func (s *Store) updateRun(r *store.RunRecord) error {
	existing, ok := s.runs[r.ID]
	if !ok {
		return rrerror.Newf(rrerror.CodeNotFound, "run not found: %s", r.ID)
	}
	if existing.Status.Terminal() {
		return rrerror.Newf(rrerror.CodeControl, "run %s is terminal, no further updates allowed", r.ID)
	}
	r.UpdatedAt = time.Now()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRuns(filter)
}
func (t tx) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error) {
	return t.s.listRuns(filter)
}

func (s *Store) listRuns(filter store.RunFilter) ([]*store.RunRecord, error) {
	var out []*store.RunRecord
	for _, r := range s.runs {
		if filter.FlowID != "" && r.FlowID != filter.FlowID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- EventStore ---

func (s *Store) Append(ctx context.Context, runID string, e *store.RunEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEvent(runID, e)
}
func (t tx) Append(ctx context.Context, runID string, e *store.RunEvent) (int64, error) {
	return t.s.appendEvent(runID, e)
}

func (s *Store) appendEvent(runID string, e *store.RunEvent) (int64, error) {
	r, ok := s.runs[runID]
	if !ok {
		return 0, rrerror.Newf(rrerror.CodeNotFound, "run not found: %s", runID)
	}
	if r.Status.Terminal() {
		return 0, rrerror.Newf(rrerror.CodeControl, "run %s is terminal, cannot append events", runID)
	}

	seq := r.NextSeq
	r.NextSeq++
	r.UpdatedAt = time.Now()

	e.RunID = runID
	e.Seq = seq
	e.CreatedAt = time.Now()
	s.events[runID] = append(s.events[runID], e)
	return seq, nil
}

func (s *Store) ListEvents(ctx context.Context, runID string, opts store.EventListOpts) ([]*store.RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listEvents(runID, opts)
}
func (t tx) ListEvents(ctx context.Context, runID string, opts store.EventListOpts) ([]*store.RunEvent, error) {
	return t.s.listEvents(runID, opts)
}

func (s *Store) listEvents(runID string, opts store.EventListOpts) ([]*store.RunEvent, error) {
	var out []*store.RunEvent
	for _, e := range s.events[runID] {
		if e.Seq < opts.FromSeq {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// --- QueueStore ---

func (s *Store) Enqueue(ctx context.Context, item *store.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueue(item)
}
func (t tx) Enqueue(ctx context.Context, item *store.QueueItem) error { return t.s.enqueue(item) }

func (s *Store) enqueue(item *store.QueueItem) error {
	if _, exists := s.queue[item.ID]; exists {
		return rrerror.Newf(rrerror.CodeValidation, "queue item already exists: %s", item.ID)
	}
	if item.Status == "" {
		item.Status = store.QueueQueued
	}
	item.CreatedAt = time.Now()
	cp := *item
	s.queue[item.ID] = &cp
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, ownerID string, now time.Time) (*store.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimNext(ownerID, now)
}
func (t tx) ClaimNext(ctx context.Context, ownerID string, now time.Time) (*store.QueueItem, error) {
	return t.s.claimNext(ownerID, now)
}

func (s *Store) claimNext(ownerID string, now time.Time) (*store.QueueItem, error) {
	var best *store.QueueItem
	for _, item := range s.queue {
		if item.Status != store.QueueQueued {
			continue
		}
		if best == nil || item.Priority > best.Priority ||
			(item.Priority == best.Priority && item.CreatedAt.Before(best.CreatedAt)) {
			best = item
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = store.QueueRunning
	best.Lease = &store.Lease{OwnerID: ownerID, ExpiresAt: now.Add(30 * time.Second)}
	cp := *best
	return &cp, nil
}

func (s *Store) Heartbeat(ctx context.Context, runID, ownerID string, now time.Time, extend time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeat(runID, ownerID, now, extend)
}
func (t tx) Heartbeat(ctx context.Context, runID, ownerID string, now time.Time, extend time.Duration) error {
	return t.s.heartbeat(runID, ownerID, now, extend)
}

func (s *Store) heartbeat(runID, ownerID string, now time.Time, extend time.Duration) error {
	item, ok := s.queue[runID]
	if !ok {
		return rrerror.Newf(rrerror.CodeNotFound, "queue item not found: %s", runID)
	}
	if item.Lease == nil || item.Lease.OwnerID != ownerID {
		return rrerror.Newf(rrerror.CodeControl, "owner %s does not hold the lease for %s", ownerID, runID)
	}
	item.Lease.ExpiresAt = now.Add(extend)
	return nil
}

func (s *Store) MarkRunning(ctx context.Context, runID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markRunning(runID)
}
func (t tx) MarkRunning(ctx context.Context, runID, ownerID string) error {
	return t.s.markRunning(runID)
}

func (s *Store) markRunning(runID string) error {
	item, ok := s.queue[runID]
	if !ok {
		return rrerror.Newf(rrerror.CodeNotFound, "queue item not found: %s", runID)
	}
	item.Status = store.QueueRunning
	return nil
}

func (s *Store) MarkPaused(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markPaused(runID)
}
func (t tx) MarkPaused(ctx context.Context, runID string) error { return t.s.markPaused(runID) }

func (s *Store) markPaused(runID string) error {
	item, ok := s.queue[runID]
	if !ok {
		return rrerror.Newf(rrerror.CodeNotFound, "queue item not found: %s", runID)
	}
	item.Status = store.QueuePaused
	return nil
}

func (s *Store) MarkDone(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, runID)
	return nil
}
func (t tx) MarkDone(ctx context.Context, runID string) error {
	delete(t.s.queue, runID)
	return nil
}

func (s *Store) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, runID)
	return nil
}
func (t tx) Cancel(ctx context.Context, runID string) error {
	delete(t.s.queue, runID)
	return nil
}

func (s *Store) GetQueueItem(ctx context.Context, runID string) (*store.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getQueueItem(runID)
}
func (t tx) GetQueueItem(ctx context.Context, runID string) (*store.QueueItem, error) {
	return t.s.getQueueItem(runID)
}

func (s *Store) getQueueItem(runID string) (*store.QueueItem, error) {
	item, ok := s.queue[runID]
	if !ok {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "queue item not found: %s", runID)
	}
	cp := *item
	return &cp, nil
}

func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*store.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaimExpiredLeases(now)
}
func (t tx) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*store.QueueItem, error) {
	return t.s.reclaimExpiredLeases(now)
}

func (s *Store) reclaimExpiredLeases(now time.Time) ([]*store.QueueItem, error) {
	var reclaimed []*store.QueueItem
	for _, item := range s.queue {
		if item.Lease != nil && item.Status == store.QueueRunning && now.After(item.Lease.ExpiresAt) {
			item.Status = store.QueueQueued
			item.Lease = nil
			cp := *item
			reclaimed = append(reclaimed, &cp)
		}
	}
	return reclaimed, nil
}

func (s *Store) RecoverOrphanLeases(ctx context.Context, newOwnerID string, now time.Time) ([]*store.RecoveredLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoverOrphanLeases(newOwnerID, now)
}
func (t tx) RecoverOrphanLeases(ctx context.Context, newOwnerID string, now time.Time) ([]*store.RecoveredLease, error) {
	return t.s.recoverOrphanLeases(newOwnerID, now)
}

func (s *Store) ListQueued(ctx context.Context) ([]*store.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listQueued(), nil
}
func (t tx) ListQueued(ctx context.Context) ([]*store.QueueItem, error) {
	return t.s.listQueued(), nil
}

func (s *Store) ListAllQueueItems(ctx context.Context) ([]*store.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAllQueueItems(), nil
}
func (t tx) ListAllQueueItems(ctx context.Context) ([]*store.QueueItem, error) {
	return t.s.listAllQueueItems(), nil
}

func (s *Store) listAllQueueItems() []*store.QueueItem {
	all := make([]*store.QueueItem, 0, len(s.queue))
	for _, item := range s.queue {
		cp := *item
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all
}

func (s *Store) listQueued() []*store.QueueItem {
	var queued []*store.QueueItem
	for _, item := range s.queue {
		if item.Status != store.QueueQueued {
			continue
		}
		cp := *item
		queued = append(queued, &cp)
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	return queued
}

func (s *Store) recoverOrphanLeases(newOwnerID string, now time.Time) ([]*store.RecoveredLease, error) {
	var recovered []*store.RecoveredLease
	for _, item := range s.queue {
		if item.Status != store.QueueRunning && item.Status != store.QueuePaused {
			continue
		}
		from := item.Status
		prevOwner := ""
		if item.Lease != nil {
			prevOwner = item.Lease.OwnerID
		}
		switch from {
		case store.QueueRunning:
			item.Status = store.QueueQueued
			item.Lease = nil
		case store.QueuePaused:
			item.Lease = &store.Lease{OwnerID: newOwnerID, ExpiresAt: now.Add(30 * time.Second)}
		}
		cp := *item
		recovered = append(recovered, &store.RecoveredLease{Item: &cp, FromStatus: from, PrevOwnerID: prevOwner})
	}
	return recovered, nil
}

// --- TriggerStore ---

func (s *Store) SaveTrigger(ctx context.Context, t *store.TriggerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveTrigger(t)
}
func (t tx) SaveTrigger(ctx context.Context, spec *store.TriggerSpec) error {
	return t.s.saveTrigger(spec)
}

func (s *Store) saveTrigger(t *store.TriggerSpec) error {
	now := time.Now()
	if existing, ok := s.triggers[t.ID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	s.triggers[t.ID] = &cp
	return nil
}

func (s *Store) GetTrigger(ctx context.Context, id string) (*store.TriggerSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTrigger(id)
}
func (t tx) GetTrigger(ctx context.Context, id string) (*store.TriggerSpec, error) {
	return t.s.getTrigger(id)
}

func (s *Store) getTrigger(id string) (*store.TriggerSpec, error) {
	t, ok := s.triggers[id]
	if !ok {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "trigger not found: %s", id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.TriggerSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listTriggers(filter)
}
func (t tx) ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.TriggerSpec, error) {
	return t.s.listTriggers(filter)
}

func (s *Store) listTriggers(filter store.TriggerFilter) ([]*store.TriggerSpec, error) {
	var out []*store.TriggerSpec
	for _, t := range s.triggers {
		if filter.Kind != "" && t.Kind != filter.Kind {
			continue
		}
		if filter.FlowID != "" && t.FlowID != filter.FlowID {
			continue
		}
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, id)
	return nil
}
func (t tx) DeleteTrigger(ctx context.Context, id string) error {
	delete(t.s.triggers, id)
	return nil
}

// --- VarStore ---

func (s *Store) GetVar(ctx context.Context, name string) (*store.PersistentVar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getVar(name)
}
func (t tx) GetVar(ctx context.Context, name string) (*store.PersistentVar, error) {
	return t.s.getVar(name)
}

func (s *Store) getVar(name string) (*store.PersistentVar, error) {
	v, ok := s.vars[name]
	if !ok {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "var not found: %s", name)
	}
	cp := *v
	return &cp, nil
}

func (s *Store) SetVar(ctx context.Context, v *store.PersistentVar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setVar(v)
}
func (t tx) SetVar(ctx context.Context, v *store.PersistentVar) error { return t.s.setVar(v) }

func (s *Store) setVar(v *store.PersistentVar) error {
	v.UpdatedAt = time.Now()
	cp := *v
	s.vars[v.Name] = &cp
	return nil
}

func (s *Store) DeleteVar(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars, name)
	return nil
}
func (t tx) DeleteVar(ctx context.Context, name string) error {
	delete(t.s.vars, name)
	return nil
}

func (s *Store) ListVars(ctx context.Context) ([]*store.PersistentVar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listVars()
}
func (t tx) ListVars(ctx context.Context) ([]*store.PersistentVar, error) { return t.s.listVars() }

func (s *Store) listVars() ([]*store.PersistentVar, error) {
	out := make([]*store.PersistentVar, 0, len(s.vars))
	for _, v := range s.vars {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

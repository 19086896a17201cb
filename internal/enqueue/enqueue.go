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

// Package enqueue is the single path that creates runs: it validates a
// request against the target flow, creates the RunRecord and QueueItem,
// appends run.queued, wakes the scheduler, and reports the new run's
// queue position. RPC handlers and trigger firings both call through
// here rather than touching store.Backend directly.
package enqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/tabconductor/internal/eventbus"
	ilog "github.com/tombee/tabconductor/internal/log"
	"github.com/tombee/tabconductor/internal/queue"
	"github.com/tombee/tabconductor/internal/scheduler"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

// Request is everything a caller supplies to start a run.
type Request struct {
	FlowID      string
	StartNodeID string
	Args        map[string]any
	Priority    int
	MaxAttempts int
	Trigger     *store.TriggerContext
	Debug       *store.DebugConfig
}

// Result is what EnqueueRun hands back.
type Result struct {
	RunID string `json:"runId"`
	// Position is the run's 1-based rank in the queued list, or -1 if
	// the scheduler had already claimed it (or it's otherwise no longer
	// queued) by the time this was computed. Never an error condition.
	Position int `json:"position"`
}

// Service is the enqueue entry point, wired against a storage backend
// and the scheduler it should wake after a successful insert.
type Service struct {
	backend   store.Backend
	bus       *eventbus.Bus
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// New builds a Service. sched may be nil (e.g. in tests that only care
// about the persisted state), in which case EnqueueRun simply skips the
// wake-up. bus may also be nil, in which case run.queued is appended but
// never published — only a test fixture should do that, since a real
// daemon always wires a bus so RPC subscribers see the event live.
func New(be store.Backend, bus *eventbus.Bus, sched *scheduler.Scheduler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: be, bus: bus, scheduler: sched, logger: logger}
}

// EnqueueRun validates req against the target flow, creates the run,
// and returns its id and current queue position.
func (s *Service) EnqueueRun(ctx context.Context, req Request) (*Result, error) {
	if req.FlowID == "" {
		return nil, rrerror.New(rrerror.CodeValidation, "flowId is required")
	}
	if req.Priority < 0 {
		return nil, rrerror.New(rrerror.CodeValidation, "priority must be >= 0")
	}
	if req.MaxAttempts < 0 {
		return nil, rrerror.New(rrerror.CodeValidation, "maxAttempts must be >= 0")
	}

	flow, err := s.backend.GetFlow(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}
	if req.StartNodeID != "" && flow.NodeByID(req.StartNodeID) == nil {
		return nil, rrerror.Newf(rrerror.CodeValidation, "start node %q not found in flow %q", req.StartNodeID, req.FlowID)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	runID := uuid.New().String()
	rec := &store.RunRecord{
		ID:          runID,
		FlowID:      req.FlowID,
		Status:      store.RunQueued,
		StartNodeID: req.StartNodeID,
		MaxAttempts: maxAttempts,
		Args:        req.Args,
		Trigger:     req.Trigger,
		Debug:       req.Debug,
	}
	if err := s.backend.CreateRun(ctx, rec); err != nil {
		return nil, err
	}

	item := &store.QueueItem{
		ID:          runID,
		FlowID:      req.FlowID,
		Priority:    req.Priority,
		MaxAttempts: maxAttempts,
		Args:        req.Args,
		Trigger:     req.Trigger,
		Debug:       req.Debug,
		Status:      store.QueueQueued,
	}
	if err := s.backend.Enqueue(ctx, item); err != nil {
		return nil, err
	}

	event := &store.RunEvent{Kind: store.EventRunQueued, CreatedAt: time.Now()}
	if seq, err := s.backend.Append(ctx, runID, event); err != nil {
		s.logger.Error("append run.queued failed", ilog.Error(err), "run_id", runID)
	} else {
		event.Seq = seq
		if s.bus != nil {
			s.bus.Publish(ctx, event)
		}
	}

	if s.scheduler != nil {
		s.scheduler.Kick()
	}

	position, err := queue.Position(ctx, s.backend, runID)
	if err != nil {
		s.logger.Error("queue position lookup failed", ilog.Error(err), "run_id", runID)
		position = -1
	}

	return &Result{RunID: runID, Position: position}, nil
}

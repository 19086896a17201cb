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

// Package scheduler pumps claimed work from the durable queue into a
// runner.Runner, enforcing the Runner's own concurrency ceiling,
// coalescing redundant wake-ups, falling back to polling when nothing
// kicks it, and sweeping expired leases back onto the queue.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	ilog "github.com/tombee/tabconductor/internal/log"
	"github.com/tombee/tabconductor/internal/runner"
	"github.com/tombee/tabconductor/internal/store"
)

// Config tunes a Scheduler's polling and lease-maintenance cadence.
type Config struct {
	// PollInterval is the fallback cadence for checking the queue when
	// no Kick arrives (covers items enqueued by another process sharing
	// the same backend).
	PollInterval time.Duration
	// HeartbeatInterval is how often active leases are extended.
	HeartbeatInterval time.Duration
	// LeaseExtend is how far past "now" each heartbeat pushes a lease's
	// expiry.
	LeaseExtend time.Duration
	// ReclaimInterval is how often expired leases are swept back to
	// QueueQueued so another owner can claim them.
	ReclaimInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.LeaseExtend <= 0 {
		c.LeaseExtend = 30 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 15 * time.Second
	}
}

// Scheduler claims work from store.QueueStore and dispatches it to a
// runner.Runner, one process instance per ownerID.
type Scheduler struct {
	cfg     Config
	backend store.Backend
	runner  *runner.Runner
	ownerID string
	logger  *slog.Logger

	kick chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Scheduler. ownerID should match the Runner's own owner
// identity so heartbeats and claims agree on who holds a lease.
func New(cfg Config, be store.Backend, r *runner.Runner, ownerID string, logger *slog.Logger) *Scheduler {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		backend: be,
		runner:  r,
		ownerID: ownerID,
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}
}

// Kick wakes the dispatch loop immediately instead of waiting for the
// next poll tick, coalescing any number of calls that land before the
// loop gets to drain the channel into a single extra pass. Safe to call
// from any goroutine (e.g. right after an enqueue RPC lands).
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start launches the dispatch loop in a background goroutine. It is a
// no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the dispatch loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()
	reclaimTicker := time.NewTicker(s.cfg.ReclaimInterval)
	defer reclaimTicker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.kick:
		case <-pollTicker.C:
		case <-heartbeatTicker.C:
			s.heartbeatActive(ctx)
		case <-reclaimTicker.C:
			s.reclaim(ctx)
		}
	}
}

// tick claims and starts as much queued work as the Runner currently has
// room for. It never blocks on Runner.Start: AvailableSlots is checked
// before every claim so a full Runner leaves the loop free to keep
// servicing heartbeat/reclaim ticks instead of stalling on a claimed
// lease it can't yet hand off.
func (s *Scheduler) tick(ctx context.Context) {
	for {
		if ctx.Err() != nil || s.runner.IsDraining() || s.runner.AvailableSlots() <= 0 {
			return
		}
		item, err := s.backend.ClaimNext(ctx, s.ownerID, time.Now())
		if err != nil {
			s.logger.Error("claim next failed", ilog.Error(err))
			return
		}
		if item == nil {
			return
		}
		if err := s.runner.Start(ctx, item); err != nil {
			s.logger.Error("start claimed run failed", ilog.Error(err), "run_id", item.ID)
			return
		}
	}
}

func (s *Scheduler) heartbeatActive(ctx context.Context) {
	now := time.Now()
	for _, runID := range s.runner.ActiveRunIDs() {
		if err := s.backend.Heartbeat(ctx, runID, s.ownerID, now, s.cfg.LeaseExtend); err != nil {
			s.logger.Error("lease heartbeat failed", ilog.Error(err), "run_id", runID)
		}
	}
}

func (s *Scheduler) reclaim(ctx context.Context) {
	reclaimed, err := s.backend.ReclaimExpiredLeases(ctx, time.Now())
	if err != nil {
		s.logger.Error("reclaim expired leases failed", ilog.Error(err))
		return
	}
	if len(reclaimed) > 0 {
		s.logger.Warn("reclaimed expired leases", "count", len(reclaimed))
		s.Kick()
	}
}

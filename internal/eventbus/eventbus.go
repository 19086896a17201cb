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

// Package eventbus fans RunEvents out to subscribers, filtered by run
// ID, in the seq order the storage layer assigned them. It never
// assigns seq itself: the Runner calls store.EventStore.Append first and
// only then calls Publish with the seq-stamped event, so a subscriber
// that persists what it sees can never observe a gap or reordering.
package eventbus

import (
	"context"
	"sync"

	"github.com/tombee/tabconductor/internal/store"
)

// Subscription delivers RunEvents for one run (or, when runID is empty,
// every run) until Unsubscribe is called.
type Subscription struct {
	C     <-chan *store.RunEvent
	bus   *Bus
	id    uint64
	runID string
}

// Unsubscribe stops delivery and closes the subscription's channel. Safe
// to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id, s.runID)
}

type subscriber struct {
	id uint64
	ch chan *store.RunEvent
}

// Bus is a process-local, in-memory event fan-out. It holds no durable
// state; RunEvent durability is the storage layer's job.
type Bus struct {
	mu        sync.RWMutex
	byRun     map[string][]subscriber
	wildcard  []subscriber
	nextID    uint64
	queueSize int
}

// New returns a Bus whose per-subscriber channels buffer up to
// queueSize events before Publish drops the event for that slow
// subscriber rather than blocking the publisher. A queueSize of 0 gives
// unbuffered channels: an event then reaches a subscriber only if it is
// already waiting to receive, and is dropped for it otherwise.
func New(queueSize int) *Bus {
	return &Bus{
		byRun:     make(map[string][]subscriber),
		queueSize: queueSize,
	}
}

// Subscribe registers for events belonging to runID. An empty runID
// subscribes to every run's events (used by the RPC layer's tail-all
// debug view).
func (b *Bus) Subscribe(runID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan *store.RunEvent, b.queueSize)
	sub := subscriber{id: id, ch: ch}

	if runID == "" {
		b.wildcard = append(b.wildcard, sub)
	} else {
		b.byRun[runID] = append(b.byRun[runID], sub)
	}

	return &Subscription{C: ch, bus: b, id: id, runID: runID}
}

func (b *Bus) remove(id uint64, runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var closed chan *store.RunEvent
	if runID == "" {
		b.wildcard, closed = removeSub(b.wildcard, id)
	} else {
		subs, c := removeSub(b.byRun[runID], id)
		closed = c
		if len(subs) == 0 {
			delete(b.byRun, runID)
		} else {
			b.byRun[runID] = subs
		}
	}
	if closed != nil {
		close(closed)
	}
}

func removeSub(subs []subscriber, id uint64) ([]subscriber, chan *store.RunEvent) {
	for i, s := range subs {
		if s.id == id {
			out := append(subs[:i:i], subs[i+1:]...)
			return out, s.ch
		}
	}
	return subs, nil
}

// Publish fans e out to every subscriber of e.RunID plus every wildcard
// subscriber. Delivery to a full subscriber channel is dropped, not
// blocked — a stalled debug client must not stall the run it is
// watching.
func (b *Bus) Publish(ctx context.Context, e *store.RunEvent) {
	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.byRun[e.RunID])+len(b.wildcard))
	targets = append(targets, b.byRun[e.RunID]...)
	targets = append(targets, b.wildcard...)
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- e:
		case <-ctx.Done():
			return
		default:
		}
	}
}

// SubscriberCount reports how many subscriptions currently listen to
// runID ("" for wildcard subscribers), for tests and diagnostics.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if runID == "" {
		return len(b.wildcard)
	}
	return len(b.byRun[runID])
}

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

package testutil

import (
	"sync"
	"time"

	"github.com/tombee/tabconductor/internal/eventbus"
	"github.com/tombee/tabconductor/internal/store"
)

// EventCollector drains a Subscription into a slice under a mutex, so
// tests can assert on accumulated events without racing the publisher.
type EventCollector struct {
	sub *eventbus.Subscription

	mu     sync.Mutex
	events []*store.RunEvent
	done   chan struct{}
}

// CollectEvents subscribes to bus for runID (wildcard if empty) and
// starts draining in a background goroutine. Call Stop when done.
func CollectEvents(bus *eventbus.Bus, runID string) *EventCollector {
	c := &EventCollector{
		sub:  bus.Subscribe(runID),
		done: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *EventCollector) run() {
	for {
		select {
		case e, ok := <-c.sub.C:
			if !ok {
				return
			}
			c.mu.Lock()
			c.events = append(c.events, e)
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Events returns a snapshot of the events collected so far.
func (c *EventCollector) Events() []*store.RunEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*store.RunEvent, len(c.events))
	copy(out, c.events)
	return out
}

// WaitForCount blocks until at least n events have been collected, or
// timeout elapses, returning the events collected so far either way.
func (c *EventCollector) WaitForCount(n int, timeout time.Duration) []*store.RunEvent {
	deadline := time.Now().Add(timeout)
	for {
		events := c.Events()
		if len(events) >= n || time.Now().After(deadline) {
			return events
		}
		time.Sleep(time.Millisecond)
	}
}

// Stop unsubscribes and stops the drain goroutine.
func (c *EventCollector) Stop() {
	close(c.done)
	c.sub.Unsubscribe()
}

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

// Package queue computes a run's position in the durable, lease-based
// queue that internal/store's QueueStore persists. The claim/heartbeat/
// reclaim/cancel operations themselves live on store.Backend; this
// package is the read-side view enqueue callers need for a submission
// response.
package queue

import (
	"context"

	"github.com/tombee/tabconductor/internal/store"
)

// Position reports runID's 1-based rank in the priority-sorted list of
// still-queued items — the same order store.QueueStore.ClaimNext would
// serve them in. It returns -1, the documented "unknown/claimed" value,
// whenever the item isn't sitting in QueueQueued anymore by the time
// this runs: the scheduler may have already claimed it, or it may have
// finished and been removed, in the gap between enqueue and this read.
// Callers must never treat -1 as an error.
func Position(ctx context.Context, be store.Backend, runID string) (int, error) {
	queued, err := be.ListQueued(ctx)
	if err != nil {
		return -1, err
	}
	for i, item := range queued {
		if item.ID == runID {
			return i + 1, nil
		}
	}
	return -1, nil
}

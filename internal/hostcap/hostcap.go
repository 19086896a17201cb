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

// Package hostcap defines the narrow interfaces this engine consumes
// from whatever native host embeds it: suspend prevention, tab
// inspection, platform alarms, and context-menu registration. No
// implementation ships here — that is the host's job, so the runner,
// every node kind, every trigger handler, and the debug shell depend
// only on these interfaces, never on a concrete host.
package hostcap

import (
	"context"
	"time"
)

// Keepaliver prevents the host from suspending the tab or browser while
// at least one hold is outstanding. Acquire is ref-counted: the host
// may suspend again only once every release returned by a still-open
// Acquire call has been invoked. release is idempotent.
type Keepaliver interface {
	Acquire(ctx context.Context, reason string) (release func(), err error)
}

// TabHost exposes read-only facts about a tab, for the runner's
// preflight binding-rule enforcement and node kinds that need to know
// where they're running.
type TabHost interface {
	// CurrentURL returns the tab's current address, or an error if
	// tabID no longer refers to an open tab.
	CurrentURL(ctx context.Context, tabID string) (string, error)
}

// Alarms schedules one-shot and repeating platform timers that outlive
// this process, backing the once and interval trigger kinds. Scheduling
// under a name already in use replaces the prior schedule.
type Alarms interface {
	// Schedule arranges for onFire to run at fireAt, and every period
	// thereafter if period > 0. onFire may be called from any
	// goroutine and must not block.
	Schedule(ctx context.Context, name string, fireAt time.Time, period time.Duration, onFire func()) error
	// Cancel removes a previously scheduled alarm. Canceling an unknown
	// name is a no-op.
	Cancel(ctx context.Context, name string) error
}

// MenuHost registers and unregisters native context-menu entries,
// backing the contextMenu trigger kind.
type MenuHost interface {
	// AddItem installs a menu entry with the given id and title. A
	// second call with the same id replaces the entry. onClick fires
	// when the user selects it.
	AddItem(ctx context.Context, id, title string, onClick func()) error
	// RemoveItem uninstalls a menu entry. Removing an unknown id is a
	// no-op.
	RemoveItem(ctx context.Context, id string) error
}

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

// Package store defines the persistence contract for flows, runs, events,
// the run queue, triggers, and persistent vars, plus two implementations:
// sqlitestore (durable) and memstore (in-process, for tests and local
// dry runs).
package store

import (
	"time"
)

// RunStatus is a RunRecord's lifecycle state.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether s is a terminal status: no further events or
// status transitions are valid once a RunRecord reaches one.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// TriggerContext records what caused a run to be enqueued, carried
// through to RunRecord for observability and replay.
type TriggerContext struct {
	TriggerID string `json:"triggerId,omitempty"`
	Kind      string `json:"kind,omitempty"`
	// SourceURL is the navigated-to address that fired a url trigger.
	// Empty for every other trigger kind.
	SourceURL string `json:"sourceUrl,omitempty"`
}

// DebugConfig is a run's requested debug posture, set at enqueue time.
type DebugConfig struct {
	Breakpoints  []string `json:"breakpoints,omitempty"`
	PauseOnStart bool     `json:"pauseOnStart,omitempty"`
}

// RunRecord is a run's durable state.
type RunRecord struct {
	ID            string          `json:"id"`
	FlowID        string          `json:"flowId"`
	Status        RunStatus       `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
	TookMs        int64           `json:"tookMs,omitempty"`
	TabID         string          `json:"tabId,omitempty"`
	StartNodeID   string          `json:"startNodeId,omitempty"`
	CurrentNodeID string          `json:"currentNodeId,omitempty"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"maxAttempts"`
	Args          map[string]any  `json:"args,omitempty"`
	Trigger       *TriggerContext `json:"trigger,omitempty"`
	Debug         *DebugConfig    `json:"debug,omitempty"`
	NextSeq       int64           `json:"nextSeq"`
	Outputs       map[string]any  `json:"outputs,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// EventKind names a RunEvent's type.
type EventKind string

const (
	EventRunQueued     EventKind = "run.queued"
	EventRunStarted    EventKind = "run.started"
	EventRunPaused     EventKind = "run.paused"
	EventRunResumed    EventKind = "run.resumed"
	EventRunRecovered  EventKind = "run.recovered"
	EventRunSucceeded  EventKind = "run.succeeded"
	EventRunFailed     EventKind = "run.failed"
	EventRunCanceled   EventKind = "run.canceled"
	EventNodeQueued    EventKind = "node.queued"
	EventNodeStarted   EventKind = "node.started"
	EventNodeSucceeded EventKind = "node.succeeded"
	EventNodeFailed    EventKind = "node.failed"
	EventNodeSkipped   EventKind = "node.skipped"
	EventVarsPatch     EventKind = "vars.patch"
	EventLog           EventKind = "log"
)

// RunEvent is an append-only, (runId, seq)-keyed log entry.
type RunEvent struct {
	RunID     string         `json:"runId"`
	Seq       int64          `json:"seq"`
	Kind      EventKind      `json:"kind"`
	NodeID    string         `json:"nodeId,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// QueueStatus is a QueueItem's claim state.
type QueueStatus string

const (
	QueueQueued QueueStatus = "queued"
	QueueRunning QueueStatus = "running"
	QueuePaused  QueueStatus = "paused"
)

// Lease records which owner currently holds a QueueItem claim and for
// how long, enforced by QueueStore.Heartbeat/ReclaimExpiredLeases.
type Lease struct {
	OwnerID   string    `json:"ownerId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RecoveredLease is one queue item's transition during startup crash
// recovery, as reported by QueueStore.RecoverOrphanLeases. Item reflects
// the item's state after recovery; FromStatus and PrevOwnerID are what
// it was before.
type RecoveredLease struct {
	Item        *QueueItem
	FromStatus  QueueStatus
	PrevOwnerID string
}

// QueueItem is a durable, lease-claimable unit of run work, keyed by
// runId.
type QueueItem struct {
	ID          string          `json:"id"`
	FlowID      string          `json:"flowId"`
	Priority    int             `json:"priority"`
	CreatedAt   time.Time       `json:"createdAt"`
	MaxAttempts int             `json:"maxAttempts"`
	Args        map[string]any  `json:"args,omitempty"`
	Trigger     *TriggerContext `json:"trigger,omitempty"`
	Debug       *DebugConfig    `json:"debug,omitempty"`
	Status      QueueStatus     `json:"status"`
	Lease       *Lease          `json:"lease,omitempty"`
}

// TriggerKind names a TriggerSpec's activation mechanism.
type TriggerKind string

const (
	TriggerManual     TriggerKind = "manual"
	TriggerURL        TriggerKind = "url"
	TriggerCron       TriggerKind = "cron"
	TriggerInterval   TriggerKind = "interval"
	TriggerOnce       TriggerKind = "once"
	TriggerCommand    TriggerKind = "command"
	TriggerContextMenu TriggerKind = "contextMenu"
	TriggerDOM        TriggerKind = "dom"
)

// URLMatchRule restricts a url TriggerSpec to matching tab navigations.
type URLMatchRule struct {
	DomainEquals  string `json:"domainEquals,omitempty"`
	DomainSuffix  string `json:"domainSuffix,omitempty"`
	PathPrefix    string `json:"pathPrefix,omitempty"`
	PathGlob      string `json:"pathGlob,omitempty"`
}

// TriggerSpec is a persisted activation rule for enqueuing runs of a
// flow.
type TriggerSpec struct {
	ID      string         `json:"id"`
	Kind    TriggerKind    `json:"kind"`
	FlowID  string         `json:"flowId"`
	Enabled bool           `json:"enabled"`
	Args    map[string]any `json:"args,omitempty"`

	URLMatch      *URLMatchRule `json:"urlMatch,omitempty"`
	CronExpr      string        `json:"cronExpr,omitempty"`
	IntervalMins  int           `json:"intervalMinutes,omitempty"`
	FireAt        *time.Time    `json:"fireAt,omitempty"`
	MenuTitle     string        `json:"menuTitle,omitempty"`
	DOMSelector   string        `json:"domSelector,omitempty"`
	CommandName   string        `json:"commandName,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PersistentVar is a process-wide named value, mutated through the
// runner's persistent.get/set/delete port.
type PersistentVar struct {
	Name      string    `json:"name"`
	Value     any       `json:"value"`
	Sensitive bool      `json:"sensitive,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FlowFilter narrows FlowStore.List results.
type FlowFilter struct {
	Tag   string
	Limit int
}

// RunFilter narrows RunStore.List results.
type RunFilter struct {
	FlowID string
	Status RunStatus
	Limit  int
	Offset int
}

// EventListOpts narrows EventStore.List results.
type EventListOpts struct {
	FromSeq int64
	Limit   int
}

// TriggerFilter narrows TriggerStore.List results.
type TriggerFilter struct {
	Kind    TriggerKind
	FlowID  string
	Enabled *bool
}

// FlowInUseError is returned by FlowStore.Delete when a flow still has
// linked triggers or queued runs, per the Flow lifecycle
// invariant.
type FlowInUseError struct {
	FlowID         string
	TriggerCount   int
	QueuedRunCount int
}

func (e *FlowInUseError) Error() string {
	return "flow in use: " + e.FlowID
}

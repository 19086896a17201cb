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

package rpc

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tombee/tabconductor/internal/debugger"
	"github.com/tombee/tabconductor/internal/enqueue"
	"github.com/tombee/tabconductor/internal/graph"
	"github.com/tombee/tabconductor/internal/queue"
	"github.com/tombee/tabconductor/internal/runner"
	"github.com/tombee/tabconductor/internal/scheduler"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/internal/trigger"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

// Dispatcher implements every RPC method against
// the engine's collaborators. One Dispatcher is shared by every
// connection; Dispatch itself holds no per-connection state.
type Dispatcher struct {
	backend    store.Backend
	runner     *runner.Runner
	scheduler  *scheduler.Scheduler
	enqueueSvc *enqueue.Service
	triggers   *trigger.Manager
	debug      *debugger.Controller
	logger     *slog.Logger
}

// NewDispatcher builds a Dispatcher. triggers and debug may be nil in a
// reduced deployment (e.g. a debug-less build omits debug); the
// corresponding methods then return a CONTROL_ERROR rather than panic.
// The other collaborators are not nil-checked; a nil logger falls back
// to slog.Default().
func NewDispatcher(be store.Backend, r *runner.Runner, sched *scheduler.Scheduler, enq *enqueue.Service, triggers *trigger.Manager, debug *debugger.Controller, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		backend:    be,
		runner:     r,
		scheduler:  sched,
		enqueueSvc: enq,
		triggers:   triggers,
		debug:      debug,
		logger:     logger,
	}
}

// Dispatch decodes params per method and invokes the matching handler.
// The returned value is marshaled as the response's result on success;
// a non-nil error is translated by the caller into an error response.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "listFlows":
		return d.listFlows(ctx, params)
	case "getFlow":
		return d.getFlow(ctx, params)
	case "saveFlow":
		return d.saveFlow(ctx, params)
	case "deleteFlow":
		return d.deleteFlow(ctx, params)

	case "listRuns":
		return d.listRuns(ctx, params)
	case "getRun":
		return d.getRun(ctx, params)
	case "getEvents":
		return d.getEvents(ctx, params)

	case "createTrigger":
		return d.createTrigger(ctx, params)
	case "updateTrigger":
		return d.updateTrigger(ctx, params)
	case "deleteTrigger":
		return d.deleteTrigger(ctx, params)
	case "getTrigger":
		return d.getTrigger(ctx, params)
	case "listTriggers":
		return d.listTriggers(ctx, params)
	case "enableTrigger":
		return d.setTriggerEnabled(ctx, params, true)
	case "disableTrigger":
		return d.setTriggerEnabled(ctx, params, false)
	case "fireTrigger":
		return d.fireTrigger(ctx, params)

	case "enqueueRun":
		return d.enqueueRun(ctx, params)
	case "listQueue":
		return d.listQueue(ctx, params)
	case "cancelQueueItem":
		return d.cancelQueueItem(ctx, params)

	case "startRun":
		return d.startRun(ctx, params)
	case "cancelRun":
		return d.cancelRun(ctx, params)
	case "pauseRun":
		return d.pauseRun(ctx, params)
	case "resumeRun":
		return d.resumeRun(ctx, params)

	case "debug":
		return d.debugCommand(ctx, params)

	default:
		return nil, ErrMethodNotFound
	}
}

// --- Flow CRUD ---

type listFlowsParams struct {
	Tag   string `json:"tag"`
	Limit int    `json:"limit"`
}

func (d *Dispatcher) listFlows(ctx context.Context, raw json.RawMessage) (any, error) {
	var p listFlowsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse listFlows params")
	}
	return d.backend.ListFlows(ctx, store.FlowFilter{Tag: p.Tag, Limit: p.Limit})
}

type idParams struct {
	ID string `json:"id"`
}

func (d *Dispatcher) getFlow(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse getFlow params")
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	return d.backend.GetFlow(ctx, p.ID)
}

func (d *Dispatcher) saveFlow(ctx context.Context, raw json.RawMessage) (any, error) {
	var f graph.Flow
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse saveFlow params")
	}
	normalizeFlow(&f)
	if f.SchemaVersion == 0 {
		f.SchemaVersion = graph.CurrentSchemaVersion
	}
	if err := requireID(f.ID, "id"); err != nil {
		return nil, err
	}
	if err := graph.Validate(&f); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "flow failed validation")
	}
	if err := d.backend.SaveFlow(ctx, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (d *Dispatcher) deleteFlow(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse deleteFlow params")
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	return nil, d.backend.DeleteFlow(ctx, p.ID)
}

// --- Run listing & inspection ---

type listRunsParams struct {
	FlowID string          `json:"flowId"`
	Status store.RunStatus `json:"status"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (d *Dispatcher) listRuns(ctx context.Context, raw json.RawMessage) (any, error) {
	var p listRunsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse listRuns params")
	}
	if p.Status != "" {
		if err := validateRunStatus(p.Status); err != nil {
			return nil, err
		}
	}
	return d.backend.ListRuns(ctx, store.RunFilter{FlowID: p.FlowID, Status: p.Status, Limit: p.Limit, Offset: p.Offset})
}

func (d *Dispatcher) getRun(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse getRun params")
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	return d.backend.GetRun(ctx, p.ID)
}

type getEventsParams struct {
	RunID   string `json:"runId"`
	FromSeq int64  `json:"fromSeq"`
	Limit   int    `json:"limit"`
}

func (d *Dispatcher) getEvents(ctx context.Context, raw json.RawMessage) (any, error) {
	var p getEventsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse getEvents params")
	}
	if err := requireID(p.RunID, "runId"); err != nil {
		return nil, err
	}
	if p.FromSeq < 0 {
		return nil, rrerror.New(rrerror.CodeValidation, "fromSeq must be >= 0")
	}
	return d.backend.ListEvents(ctx, p.RunID, store.EventListOpts{FromSeq: p.FromSeq, Limit: p.Limit})
}

// --- Trigger CRUD ---

func (d *Dispatcher) createTrigger(ctx context.Context, raw json.RawMessage) (any, error) {
	var t store.TriggerSpec
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse createTrigger params")
	}
	if err := requireID(t.ID, "id"); err != nil {
		return nil, err
	}
	if err := requireID(t.FlowID, "flowId"); err != nil {
		return nil, err
	}
	if err := validateTriggerKind(t.Kind); err != nil {
		return nil, err
	}
	if err := d.backend.SaveTrigger(ctx, &t); err != nil {
		return nil, err
	}
	d.reconcileTriggers(ctx)
	return &t, nil
}

func (d *Dispatcher) updateTrigger(ctx context.Context, raw json.RawMessage) (any, error) {
	// updateTrigger shares createTrigger's validation and replace semantics.
	return d.createTrigger(ctx, raw)
}

func (d *Dispatcher) deleteTrigger(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse deleteTrigger params")
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	if err := d.backend.DeleteTrigger(ctx, p.ID); err != nil {
		return nil, err
	}
	d.reconcileTriggers(ctx)
	return nil, nil
}

func (d *Dispatcher) getTrigger(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse getTrigger params")
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	return d.backend.GetTrigger(ctx, p.ID)
}

type listTriggersParams struct {
	Kind    store.TriggerKind `json:"kind"`
	FlowID  string            `json:"flowId"`
	Enabled *bool             `json:"enabled"`
}

func (d *Dispatcher) listTriggers(ctx context.Context, raw json.RawMessage) (any, error) {
	var p listTriggersParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse listTriggers params")
	}
	return d.backend.ListTriggers(ctx, store.TriggerFilter{Kind: p.Kind, FlowID: p.FlowID, Enabled: p.Enabled})
}

func (d *Dispatcher) setTriggerEnabled(ctx context.Context, raw json.RawMessage, enabled bool) (any, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse params")
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	t, err := d.backend.GetTrigger(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	t.Enabled = enabled
	if err := d.backend.SaveTrigger(ctx, t); err != nil {
		return nil, err
	}
	d.reconcileTriggers(ctx)
	return t, nil
}

type fireTriggerParams struct {
	ID   string         `json:"id"`
	Args map[string]any `json:"args"`
}

func (d *Dispatcher) fireTrigger(ctx context.Context, raw json.RawMessage) (any, error) {
	var p fireTriggerParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse fireTrigger params")
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	if d.triggers == nil {
		return nil, rrerror.New(rrerror.CodeControl, "triggers not enabled on this instance")
	}
	return nil, d.triggers.Fire(ctx, p.ID, p.Args)
}

func (d *Dispatcher) reconcileTriggers(ctx context.Context) {
	if d.triggers == nil {
		return
	}
	if err := d.triggers.Reconcile(ctx); err != nil {
		d.logger.Error("trigger reconcile failed after CRUD", "error", err)
	}
}

// --- Queue management ---

type enqueueRunParams struct {
	FlowID      string                 `json:"flowId"`
	StartNodeID string                 `json:"startNodeId"`
	Args        map[string]any         `json:"args"`
	Priority    int                    `json:"priority"`
	MaxAttempts int                    `json:"maxAttempts"`
	Trigger     *store.TriggerContext  `json:"trigger"`
	Debug       *store.DebugConfig     `json:"debug"`
}

func (d *Dispatcher) enqueueRun(ctx context.Context, raw json.RawMessage) (any, error) {
	var p enqueueRunParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse enqueueRun params")
	}
	if err := requireID(p.FlowID, "flowId"); err != nil {
		return nil, err
	}
	return d.enqueueSvc.EnqueueRun(ctx, enqueue.Request{
		FlowID:      p.FlowID,
		StartNodeID: p.StartNodeID,
		Args:        p.Args,
		Priority:    p.Priority,
		MaxAttempts: p.MaxAttempts,
		Trigger:     p.Trigger,
		Debug:       p.Debug,
	})
}

func (d *Dispatcher) listQueue(ctx context.Context, _ json.RawMessage) (any, error) {
	return d.backend.ListAllQueueItems(ctx)
}

func (d *Dispatcher) cancelQueueItem(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse cancelQueueItem params")
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	return nil, d.backend.Cancel(ctx, p.ID)
}

// --- Run control ---

func (d *Dispatcher) startRun(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse startRun params")
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	item, err := d.backend.GetQueueItem(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if err := d.runner.Start(ctx, item); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Dispatcher) cancelRun(_ context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse cancelRun params")
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	return nil, d.runner.Cancel(p.ID)
}

func (d *Dispatcher) pauseRun(_ context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse pauseRun params")
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	return nil, d.runner.Pause(p.ID)
}

func (d *Dispatcher) resumeRun(_ context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse resumeRun params")
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	return nil, d.runner.Resume(p.ID)
}

// --- Debug ---

type debugParams struct {
	Command     string   `json:"command"`
	RunID       string   `json:"runId"`
	NodeID      string   `json:"nodeId"`
	NodeIDs     []string `json:"nodeIds"`
	Name        string   `json:"name"`
	Value       any      `json:"value"`
}

func (d *Dispatcher) debugCommand(ctx context.Context, raw json.RawMessage) (any, error) {
	var p debugParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rrerror.Wrap(rrerror.CodeValidation, err, "parse debug params")
	}
	if d.debug == nil {
		return nil, rrerror.New(rrerror.CodeControl, "debugging not enabled on this instance")
	}
	if err := requireID(p.RunID, "runId"); err != nil {
		return nil, err
	}

	switch p.Command {
	case "attach":
		// Attach registers a push subscription internally, but a single
		// request/response exchange has nowhere to deliver later pushes
		// to — a connection-scoped attach would need the same per-socket
		// bookkeeping internal/eventbus's subscribe/unsubscribe methods
		// get in server.go. Until that wiring exists, attach hands back
		// one fresh snapshot and immediately releases its subscription;
		// callers poll getState (or subscribe to the run's RunEvents,
		// which already push live) for anything more frequent.
		state, _, cancel, err := d.debug.Attach(ctx, p.RunID)
		cancel()
		return state, err
	case "detach":
		return nil, nil
	case "pause":
		return nil, d.debug.Pause(p.RunID)
	case "resume":
		return nil, d.debug.Resume(p.RunID)
	case "stepOver":
		return nil, d.debug.StepOver(p.RunID)
	case "setBreakpoints":
		return nil, d.debug.SetBreakpoints(p.RunID, p.NodeIDs)
	case "addBreakpoint":
		if err := requireID(p.NodeID, "nodeId"); err != nil {
			return nil, err
		}
		return nil, d.debug.AddBreakpoint(p.RunID, p.NodeID)
	case "removeBreakpoint":
		if err := requireID(p.NodeID, "nodeId"); err != nil {
			return nil, err
		}
		return nil, d.debug.RemoveBreakpoint(p.RunID, p.NodeID)
	case "getState":
		return d.debug.GetState(ctx, p.RunID)
	case "getVar":
		if err := requireID(p.Name, "name"); err != nil {
			return nil, err
		}
		return d.debug.GetVar(ctx, p.RunID, p.Name)
	case "setVar":
		if err := requireID(p.Name, "name"); err != nil {
			return nil, err
		}
		return nil, d.debug.SetVar(ctx, p.RunID, p.Name, p.Value)
	default:
		return nil, rrerror.Newf(rrerror.CodeValidation, "unknown debug command %q", p.Command)
	}
}

// queuePosition is a small helper some callers (e.g. enqueueRun testing)
// may want without going through the full enqueue path.
func (d *Dispatcher) queuePosition(ctx context.Context, runID string) (int, error) {
	return queue.Position(ctx, d.backend, runID)
}

func normalizeFlow(f *graph.Flow) {
	for i := range f.Nodes {
		if f.Nodes[i].Config == nil {
			f.Nodes[i].Config = map[string]any{}
		}
	}
}

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

package debugger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/tabconductor/internal/eventbus"
	"github.com/tombee/tabconductor/internal/runner"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

// DebuggerState is the aggregated snapshot the
// controller derives from session state + RunRecord + breakpoint
// manager, and pushes to subscribers on attach, breakpoint/step-mode
// change, and pause/resume.
type DebuggerState struct {
	RunID         string    `json:"runId"`
	Status        string    `json:"status"`
	CurrentNodeID string    `json:"currentNodeId,omitempty"`
	Breakpoints   []string  `json:"breakpoints,omitempty"`
	StepArmed     bool      `json:"stepArmed"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Controller is the single entry point for debugging
// describes: it handles attach/detach/pause/resume/stepOver/
// setBreakpoints/addBreakpoint/removeBreakpoint/getState/getVar/setVar,
// delegating pause/resume/live-variable access to a runner.Runner and
// breakpoint/step-mode state to a Registry.
type Controller struct {
	backend store.Backend
	bus     *eventbus.Bus
	runner  *runner.Runner
	bp      *Registry
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string][]chan *DebuggerState
}

// NewController wires a Controller. bp is normally also installed on
// runner via runner.SetBreakpointChecker, so the same registry both
// gates pauses inside the run loop and answers the controller's
// breakpoint commands.
func NewController(be store.Backend, bus *eventbus.Bus, r *runner.Runner, bp *Registry, logger *slog.Logger) *Controller {
	return &Controller{
		backend: be,
		bus:     bus,
		runner:  r,
		bp:      bp,
		logger:  logger,
		subs:    make(map[string][]chan *DebuggerState),
	}
}

// Attach subscribes to runID's DebuggerState pushes and returns the
// current snapshot plus a channel of future ones. The caller must call
// the returned cancel func once it stops reading, or the channel leaks.
func (c *Controller) Attach(ctx context.Context, runID string) (*DebuggerState, <-chan *DebuggerState, func(), error) {
	st, err := c.snapshot(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}

	ch := make(chan *DebuggerState, 8)
	c.mu.Lock()
	c.subs[runID] = append(c.subs[runID], ch)
	c.mu.Unlock()

	sub := c.bus.Subscribe(runID)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				if !isDebugRelevant(e.Kind) {
					continue
				}
				if next, err := c.snapshot(context.Background(), runID); err == nil {
					c.push(runID, next)
				}
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		sub.Unsubscribe()
		c.Detach(runID, ch)
	}
	return st, ch, cancel, nil
}

func isDebugRelevant(kind store.EventKind) bool {
	switch kind {
	case store.EventRunPaused, store.EventRunResumed, store.EventRunStarted,
		store.EventRunSucceeded, store.EventRunFailed, store.EventRunCanceled,
		store.EventNodeStarted:
		return true
	default:
		return false
	}
}

// Detach removes ch from runID's subscriber list. Safe to call more
// than once.
func (c *Controller) Detach(runID string, ch chan *DebuggerState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.subs[runID]
	for i, s := range subs {
		if s == ch {
			c.subs[runID] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(c.subs[runID]) == 0 {
		delete(c.subs, runID)
	}
}

func (c *Controller) push(runID string, st *DebuggerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs[runID] {
		select {
		case ch <- st:
		default:
		}
	}
}

// Pause delegates to the live Runner; debug pause and the
// plain run-control pause (listed separately in §6's RPC method list)
// are the same underlying mechanism.
func (c *Controller) Pause(runID string) error {
	if err := c.runner.Pause(runID); err != nil {
		return err
	}
	if st, err := c.snapshot(context.Background(), runID); err == nil {
		c.push(runID, st)
	}
	return nil
}

// Resume delegates to the live Runner.
func (c *Controller) Resume(runID string) error {
	if err := c.runner.Resume(runID); err != nil {
		return err
	}
	if st, err := c.snapshot(context.Background(), runID); err == nil {
		c.push(runID, st)
	}
	return nil
}

// StepOver arms a one-shot pause at the next node, then resumes a
// currently-paused run so it can reach that node.
func (c *Controller) StepOver(runID string) error {
	c.bp.ArmStep(runID)
	if st, err := c.snapshot(context.Background(), runID); err == nil {
		c.push(runID, st)
	}
	return c.runner.Resume(runID)
}

// SetBreakpoints replaces runID's breakpoint set.
func (c *Controller) SetBreakpoints(runID string, nodeIDs []string) error {
	c.bp.SetBreakpoints(runID, nodeIDs)
	return c.pushFresh(runID)
}

// AddBreakpoint adds a single node ID to runID's breakpoint set.
func (c *Controller) AddBreakpoint(runID, nodeID string) error {
	c.bp.AddBreakpoint(runID, nodeID)
	return c.pushFresh(runID)
}

// RemoveBreakpoint removes a single node ID from runID's breakpoint set.
func (c *Controller) RemoveBreakpoint(runID, nodeID string) error {
	c.bp.RemoveBreakpoint(runID, nodeID)
	return c.pushFresh(runID)
}

func (c *Controller) pushFresh(runID string) error {
	st, err := c.snapshot(context.Background(), runID)
	if err != nil {
		return err
	}
	c.push(runID, st)
	return nil
}

// GetState returns runID's current DebuggerState snapshot.
func (c *Controller) GetState(ctx context.Context, runID string) (*DebuggerState, error) {
	return c.snapshot(ctx, runID)
}

func (c *Controller) snapshot(ctx context.Context, runID string) (*DebuggerState, error) {
	rec, err := c.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	breakpoints, stepArmed := c.bp.State(runID)
	return &DebuggerState{
		RunID:         runID,
		Status:        string(rec.Status),
		CurrentNodeID: rec.CurrentNodeID,
		Breakpoints:   breakpoints,
		StepArmed:     stepArmed,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}

// GetVar returns name's current value for runID. It prefers the live
// Runner; once the run is no longer active there, it reconstructs the
// value by replaying vars.patch events from storage over the initial
// seed (args, with each declared var default filling a name args left
// unset).
func (c *Controller) GetVar(ctx context.Context, runID, name string) (any, error) {
	if v, ok := c.runner.LiveVars(runID); ok {
		val, found := v[name]
		if !found {
			return nil, rrerror.Newf(rrerror.CodeNotFound, "var %s is not set", name)
		}
		return val, nil
	}

	rec, err := c.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]any, len(rec.Args))
	for k, v := range rec.Args {
		vars[k] = v
	}
	if flow, ferr := c.backend.GetFlow(ctx, rec.FlowID); ferr == nil {
		for _, d := range flow.Vars {
			if _, set := vars[d.Name]; !set && d.Default != nil {
				vars[d.Name] = d.Default
			}
		}
	}

	events, err := c.backend.ListEvents(ctx, runID, store.EventListOpts{})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.Kind != store.EventVarsPatch {
			continue
		}
		for k, v := range e.Data {
			vars[k] = v
		}
	}

	val, ok := vars[name]
	if !ok {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "var %s is not set", name)
	}
	return val, nil
}

// SetVar delegates to the live Runner. It only works on a run that is
// still active there.
func (c *Controller) SetVar(ctx context.Context, runID, name string, value any) error {
	return c.runner.SetVar(ctx, runID, name, value)
}

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

// Package runner drives one flow run at a time from a claimed QueueItem
// through to a terminal RunRecord status, executing nodes sequentially
// through a plugin.Registry and appending the RunEvent log as it goes.
package runner

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/tabconductor/internal/eventbus"
	"github.com/tombee/tabconductor/internal/graph"
	"github.com/tombee/tabconductor/internal/hostcap"
	ilog "github.com/tombee/tabconductor/internal/log"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/plugin"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

// Config bounds a Runner's concurrency and default node timeout.
type Config struct {
	MaxParallel    int
	DefaultTimeout time.Duration
}

// control is the live handle a Runner keeps for one in-flight run,
// letting Cancel/Pause/Resume reach a goroutine already inside execute.
// resume is guarded by mu because Resume replaces it (close-and-recreate)
// from a different goroutine than the one blocked reading it in loop().
// vars is the authoritative live variable set: execute reads and writes
// it through varsMu so a debugger's getVar/setVar (from another
// goroutine) observes and can mutate the same state the run itself
// sees on its next node.
type control struct {
	cancel context.CancelFunc
	paused atomic.Bool

	mu     sync.Mutex
	resume chan struct{}

	varsMu sync.Mutex
	vars   map[string]any
}

// resumeChan returns the channel to wait on for the next Resume call.
func (c *control) resumeChan() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resume
}

func (c *control) initVars(seed map[string]any) {
	c.varsMu.Lock()
	c.vars = cloneMap(seed)
	c.varsMu.Unlock()
}

// seedVars builds a run's initial vars state: args, with each declared
// VarDef's Default filled in for any name args left unset. Args always
// win — a default only ever backstops an omitted value.
func seedVars(flow *graph.Flow, args map[string]any) map[string]any {
	seed := cloneMap(args)
	for _, v := range flow.Vars {
		if v.Default == nil {
			continue
		}
		if _, ok := seed[v.Name]; ok {
			continue
		}
		seed[v.Name] = v.Default
	}
	return seed
}

func (c *control) snapshotVars() map[string]any {
	c.varsMu.Lock()
	defer c.varsMu.Unlock()
	return cloneMap(c.vars)
}

func (c *control) mergeVars(patch map[string]any) {
	c.varsMu.Lock()
	for k, v := range patch {
		c.vars[k] = v
	}
	c.varsMu.Unlock()
}

func (c *control) setVar(name string, value any) {
	c.varsMu.Lock()
	if c.vars == nil {
		c.vars = make(map[string]any)
	}
	c.vars[name] = value
	c.varsMu.Unlock()
}

func (c *control) getVar(name string) (any, bool) {
	c.varsMu.Lock()
	defer c.varsMu.Unlock()
	v, ok := c.vars[name]
	return v, ok
}

// BreakpointChecker decides, before a node runs, whether execution
// should pause there. reason is "breakpoint" or "step" and is attached
// to the run.paused event's Data so a debug client can tell the two
// apart. A Runner with no checker installed never pauses on its own.
type BreakpointChecker interface {
	// Seed records runID's starting breakpoint set and pause-on-start
	// flag, taken from its RunRecord's DebugConfig. Called once, before
	// the run's first node.
	Seed(runID string, breakpoints []string, pauseOnStart bool)
	Check(runID, nodeID string) (pause bool, reason string)
	// Clear drops runID's breakpoint state. Called once the run goes
	// terminal, so a debugger's registry doesn't grow unbounded.
	Clear(runID string)
}

// Runner executes flow runs one node at a time, bounded to at most
// Config.MaxParallel concurrent runs.
type Runner struct {
	cfg       Config
	backend   store.Backend
	bus       *eventbus.Bus
	registry  *plugin.Registry
	logger    *slog.Logger
	ownerID   string
	tracer    trace.Tracer
	bpChecker BreakpointChecker
	keepalive hostcap.Keepaliver
	tabs      hostcap.TabHost

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*control
	draining atomic.Bool
}

// SetBreakpointChecker installs the breakpoint/step-mode decision
// source consulted before every node. Pass nil to disable breakpoint
// pausing entirely.
func (r *Runner) SetBreakpointChecker(checker BreakpointChecker) {
	r.bpChecker = checker
}

// SetKeepaliver installs the host's suspend-prevention handle. While nil
// (the default, matching a host that doesn't implement it), the Runner
// runs without holding any keepalive.
func (r *Runner) SetKeepaliver(k hostcap.Keepaliver) {
	r.keepalive = k
}

// SetTabHost installs the host's tab-inspection handle, consulted by
// preflight to enforce a flow's binding rules against the tab a run
// targets. While nil, preflight skips binding-rule enforcement
// entirely — a flow with binding rules but no TabHost available can
// never be verified, so it is allowed to run rather than permanently
// rejected.
func (r *Runner) SetTabHost(h hostcap.TabHost) {
	r.tabs = h
}

// New builds a Runner. ownerID identifies this process in QueueStore
// lease bookkeeping.
func New(cfg Config, be store.Backend, bus *eventbus.Bus, registry *plugin.Registry, ownerID string, logger *slog.Logger) *Runner {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		backend:  be,
		bus:      bus,
		registry: registry,
		logger:   logger,
		ownerID:  ownerID,
		sem:      make(chan struct{}, cfg.MaxParallel),
		active:   make(map[string]*control),
	}
}

// StartDraining stops the Runner from accepting new runs; in-flight runs
// continue to completion.
func (r *Runner) StartDraining() { r.draining.Store(true) }

// IsDraining reports whether StartDraining has been called.
func (r *Runner) IsDraining() bool { return r.draining.Load() }

// ActiveRunCount returns the number of runs currently executing.
func (r *Runner) ActiveRunCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ActiveRunIDs returns the run IDs currently executing, so a caller
// holding the matching queue leases (e.g. a scheduler) knows which ones
// still need their heartbeat extended.
func (r *Runner) ActiveRunIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// AvailableSlots returns how many more runs Start would accept right
// now without blocking on the concurrency semaphore. A scheduler should
// check this before calling Start so it claims only as much queued work
// as the Runner can immediately take.
func (r *Runner) AvailableSlots() int {
	return cap(r.sem) - len(r.sem)
}

// WaitForDrain blocks until every in-flight run finishes or timeout
// elapses.
func (r *Runner) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return rrerror.Newf(rrerror.CodeTimeout, "drain timeout: %d run(s) still active", r.ActiveRunCount())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start claims item and runs it to completion in a background goroutine.
// It returns immediately once the run's goroutine has been launched.
func (r *Runner) Start(ctx context.Context, item *store.QueueItem) error {
	if r.IsDraining() {
		return rrerror.New(rrerror.CodeControl, "runner is draining, not accepting new runs")
	}

	rec, err := r.backend.GetRun(ctx, item.ID)
	if err != nil {
		return err
	}
	flow, err := r.backend.GetFlow(ctx, item.FlowID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ctrl := &control{
		cancel: cancel,
		resume: make(chan struct{}),
	}
	ctrl.initVars(seedVars(flow, rec.Args))

	if r.bpChecker != nil {
		var breakpoints []string
		pauseOnStart := false
		if rec.Debug != nil {
			breakpoints = rec.Debug.Breakpoints
			pauseOnStart = rec.Debug.PauseOnStart
		}
		r.bpChecker.Seed(rec.ID, breakpoints, pauseOnStart)
	}

	r.mu.Lock()
	r.active[rec.ID] = ctrl
	r.mu.Unlock()

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.active, rec.ID)
		r.mu.Unlock()
		cancel()
		return ctx.Err()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		defer func() {
			r.mu.Lock()
			delete(r.active, rec.ID)
			r.mu.Unlock()
			if r.bpChecker != nil {
				r.bpChecker.Clear(rec.ID)
			}
		}()

		r.execute(runCtx, ctrl, rec, flow)
	}()

	return nil
}

// Cancel signals the named run's goroutine to stop at its next safe
// point. It is a no-op (returns nil) if the run is not active here.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	ctrl, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	ctrl.cancel()
	return nil
}

// Pause requests the named run pause before its next node attempt. The
// resume channel for this pause cycle is installed before the paused
// flag flips, so a goroutine that observes paused==true is guaranteed
// to see the channel it should wait on rather than a stale or future one.
func (r *Runner) Pause(runID string) error {
	r.mu.Lock()
	ctrl, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return rrerror.Newf(rrerror.CodeControl, "run %s is not active on this runner", runID)
	}
	ctrl.mu.Lock()
	if !ctrl.paused.Load() {
		ctrl.resume = make(chan struct{})
	}
	ctrl.mu.Unlock()
	ctrl.paused.Store(true)
	return nil
}

// Resume releases a previously paused run.
func (r *Runner) Resume(runID string) error {
	r.mu.Lock()
	ctrl, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return rrerror.Newf(rrerror.CodeControl, "run %s is not active on this runner", runID)
	}
	if ctrl.paused.CompareAndSwap(true, false) {
		ctrl.mu.Lock()
		close(ctrl.resume)
		ctrl.resume = make(chan struct{})
		ctrl.mu.Unlock()
	}
	return nil
}

// LiveVars returns a snapshot of runID's current variable set and true,
// or (nil, false) if runID is not active on this Runner.
func (r *Runner) LiveVars(runID string) (map[string]any, bool) {
	r.mu.Lock()
	ctrl, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return ctrl.snapshotVars(), true
}

// GetVar returns the named live variable's value. It returns
// rrerror.CodeNotFound both when runID isn't active here and when name
// isn't set, since a caller with only a live-Runner view can't tell
// those apart from storage either.
func (r *Runner) GetVar(runID, name string) (any, error) {
	r.mu.Lock()
	ctrl, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "run %s is not active on this runner", runID)
	}
	v, ok := ctrl.getVar(name)
	if !ok {
		return nil, rrerror.Newf(rrerror.CodeNotFound, "var %s is not set", name)
	}
	return v, nil
}

// SetVar overwrites the named live variable and appends a vars.patch
// event, the same as a node's own VarsPatch would. Only active runs can
// be reached this way; a run that has gone terminal or whose process
// restarted must be edited through storage directly, which this Runner
// has no opinion about.
func (r *Runner) SetVar(ctx context.Context, runID, name string, value any) error {
	r.mu.Lock()
	ctrl, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return rrerror.Newf(rrerror.CodeControl, "run %s is not active on this runner", runID)
	}
	ctrl.setVar(name, value)
	r.appendEvent(ctx, &store.RunRecord{ID: runID}, &store.RunEvent{
		Kind:      store.EventVarsPatch,
		Data:      map[string]any{name: value},
		CreatedAt: time.Now(),
	})
	return nil
}

// calculateBackoff computes the delay before retry attempt attempt+1,
// growing it per p.Backoff (default BackoffExp), with up to 20% jitter
// when p.Jitter is set, capped at p.BackoffMax. attempt is 1-based.
func calculateBackoff(p *graph.RetryPolicy, attempt int) time.Duration {
	base := float64(p.BackoffBase)
	if base <= 0 {
		base = float64(time.Second)
	}

	var backoff float64
	switch p.Backoff {
	case graph.BackoffNone:
		backoff = base
	case graph.BackoffLinear:
		backoff = base * float64(attempt)
	default: // graph.BackoffExp, and the zero value
		backoff = base * math.Pow(2, float64(attempt-1))
	}

	if p.BackoffMax > 0 && backoff > float64(p.BackoffMax) {
		backoff = float64(p.BackoffMax)
	}
	if !p.Jitter {
		return time.Duration(backoff)
	}
	jitter := backoff * 0.2 * rand.Float64()
	return time.Duration(backoff + jitter)
}

func runLogger(base *slog.Logger, runID, flowID string) *slog.Logger {
	return ilog.WithRunContext(base, runID, flowID)
}

// SetTracer attaches a tracer for per-run and per-node spans. A nil
// tracer (the default) disables tracing entirely.
func (r *Runner) SetTracer(tracer trace.Tracer) {
	r.tracer = tracer
}

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

package runner

import (
	"context"
	"strings"
	"time"

	"github.com/tombee/tabconductor/internal/graph"
	ilog "github.com/tombee/tabconductor/internal/log"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/plugin"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

// onErrorEdgeLabel is the reserved edge label a flow author uses to wire
// a node's failure path, consulted by resolveOnError when the node's
// policy leaves OnError unset.
const onErrorEdgeLabel = "on_error"

// runState is the per-run working state execute mutates as it steps
// through nodes; it is never shared outside this goroutine. Live
// variables are not part of it — they live in control, which a
// debugger's getVar/setVar can reach from another goroutine.
type runState struct {
	rec           *store.RunRecord
	flow          *graph.Flow
	outputs       map[string]any
	currentNodeID string
	stepCount     int
}

const maxStepCount = 100000

// execute runs rec to a terminal status, appending events and updating
// rec as it goes. It owns rec/flow for the duration of the call; no
// other goroutine touches them concurrently.
func (r *Runner) execute(ctx context.Context, ctrl *control, rec *store.RunRecord, flow *graph.Flow) {
	logger := runLogger(r.logger, rec.ID, rec.FlowID)

	ctx, runSpan := safeStartRun(ctx, r.tracer, rec.ID, rec.FlowID)
	defer safeEnd(runSpan)

	startNode, err := r.preflight(ctx, rec, flow)
	if err != nil {
		logger.Error("preflight failed", ilog.Error(err))
		safeRecordError(runSpan, err)
		r.failPreflight(ctx, rec, err)
		return
	}

	if r.keepalive != nil {
		release, err := r.keepalive.Acquire(ctx, "run:"+rec.ID)
		if err != nil {
			logger.Warn("keepalive acquire failed", ilog.Error(err))
		} else {
			defer release()
		}
	}

	if err := r.backend.MarkRunning(ctx, rec.ID, r.ownerID); err != nil {
		logger.Error("mark running failed", ilog.Error(err))
	}

	now := time.Now()
	rec.Status = store.RunRunning
	rec.StartedAt = &now
	rec.CurrentNodeID = startNode
	r.updateRun(ctx, rec)
	r.appendEvent(ctx, rec, &store.RunEvent{Kind: store.EventRunStarted, CreatedAt: time.Now()})

	st := &runState{
		rec:           rec,
		flow:          flow,
		outputs:       make(map[string]any),
		currentNodeID: startNode,
	}

	finalErr := r.loop(ctx, ctrl, st)
	if finalErr != nil {
		safeRecordError(runSpan, finalErr)
	} else {
		safeSetOK(runSpan)
	}
	r.finish(ctx, st, finalErr)
}

// preflight runs every check that must pass before a run's first side
// effect: required variables are resolved, the entry node is picked,
// binding rules are enforced against the tab the run targets, and the
// persisted graph is re-validated. A corrupted flow — one that passed
// validation at save time but was since damaged in storage, or never
// passed it at all — fails here rather than partway through execution.
// Returns the resolved start node id.
//
// Network-capture startup, also part of preflight per the host-facing
// contract, has no analog in this engine build: there is no capture
// subsystem to start, so that step is omitted rather than stubbed.
func (r *Runner) preflight(ctx context.Context, rec *store.RunRecord, flow *graph.Flow) (string, error) {
	if err := checkRequiredVars(flow, rec.Args); err != nil {
		return "", err
	}

	startNode, err := graph.ResolveEntryNode(flow, rec.StartNodeID)
	if err != nil {
		return "", err
	}

	if err := r.checkBindingRules(ctx, flow, rec); err != nil {
		return "", err
	}

	if dead := graph.UnreachableNodes(flow); len(dead) > 0 {
		r.logger.Warn("flow has unreachable nodes", "flow_id", flow.ID, "node_ids", dead)
	}

	if err := graph.Validate(flow); err != nil {
		return "", err
	}

	return startNode, nil
}

// checkRequiredVars aborts with VALIDATION_ERROR if flow declares a
// required VarDef with no default that rec.Args does not supply. A host
// capable of best-effort prompting the tab for a missing value would do
// so here before failing; this engine has no such host surface, so an
// unset required var fails immediately.
func checkRequiredVars(flow *graph.Flow, args map[string]any) error {
	var missing []string
	for _, v := range flow.Vars {
		if !v.Required || v.Default != nil {
			continue
		}
		if _, ok := args[v.Name]; ok {
			continue
		}
		missing = append(missing, v.Name)
	}
	if len(missing) == 0 {
		return nil
	}
	return rrerror.Newf(rrerror.CodeValidation, "required variable(s) unset: %s", strings.Join(missing, ", "))
}

// checkBindingRules enforces flow's BindingRules against rec's tab, when
// both a binding-capable flow and a TabHost are available. A flow with
// no binding rules, or a Runner with no TabHost wired (SetTabHost), or a
// run with no TabID, all skip the check rather than blocking the run —
// binding rules narrow which tab a flow is valid on, they don't require
// one.
func (r *Runner) checkBindingRules(ctx context.Context, flow *graph.Flow, rec *store.RunRecord) error {
	if len(flow.BindingRules) == 0 || r.tabs == nil || rec.TabID == "" {
		return nil
	}
	url, err := r.tabs.CurrentURL(ctx, rec.TabID)
	if err != nil {
		return rrerror.Wrap(rrerror.CodeValidation, err, "resolve tab url for binding rule check")
	}
	return graph.EnforceBindingRules(flow, url)
}

// failPreflight transitions rec straight to a terminal failed status
// without ever emitting run.started: preflight rejected the run before
// any side effect occurred.
func (r *Runner) failPreflight(ctx context.Context, rec *store.RunRecord, err error) {
	now := time.Now()
	rec.Status = store.RunFailed
	rec.Error = err.Error()
	rec.FinishedAt = &now
	r.appendEvent(ctx, rec, &store.RunEvent{Kind: store.EventRunFailed, Error: err.Error(), CreatedAt: now})
	r.updateRun(ctx, rec)
	if err := r.backend.MarkDone(ctx, rec.ID); err != nil {
		r.logger.Error("mark done failed", ilog.Error(err))
	}
}

// loop steps through nodes until the run terminates, returning the
// error that caused termination (nil for a successful finish).
func (r *Runner) loop(ctx context.Context, ctrl *control, st *runState) error {
	for {
		if st.currentNodeID == "" {
			return nil
		}

		select {
		case <-ctx.Done():
			return rrerror.New(rrerror.CodeRunCanceled, "run canceled")
		default:
		}

		if st.rec.CurrentNodeID != st.currentNodeID {
			st.rec.CurrentNodeID = st.currentNodeID
			r.updateRun(ctx, st.rec)
		}

		if ctrl.paused.Load() {
			if err := r.pauseAndWait(ctx, ctrl, st, nil); err != nil {
				return err
			}
		}

		if r.bpChecker != nil {
			if shouldPause, reason := r.bpChecker.Check(st.rec.ID, st.currentNodeID); shouldPause {
				ctrl.mu.Lock()
				if !ctrl.paused.Load() {
					ctrl.resume = make(chan struct{})
				}
				ctrl.mu.Unlock()
				ctrl.paused.Store(true)
				if err := r.pauseAndWait(ctx, ctrl, st, map[string]any{"kind": reason, "nodeId": st.currentNodeID}); err != nil {
					return err
				}
			}
		}

		st.stepCount++
		if st.stepCount > maxStepCount {
			return rrerror.New(rrerror.CodeInvariantViolation, "loop guard: exceeded maximum step count")
		}

		node := st.flow.NodeByID(st.currentNodeID)
		if node == nil {
			return rrerror.Newf(rrerror.CodeDAGInvalid, "node %s not found in flow", st.currentNodeID)
		}
		if node.Disabled {
			r.appendEvent(ctx, st.rec, &store.RunEvent{Kind: store.EventNodeSkipped, NodeID: node.ID, CreatedAt: time.Now()})
			next, ok := graph.FindNextNode(st.flow, node.ID, "")
			if !ok {
				return nil
			}
			st.currentNodeID = next
			continue
		}

		def, ok := r.registry.Node(node.Kind)
		if !ok {
			return rrerror.Newf(rrerror.CodeUnsupportedNode, "unsupported node kind %q", node.Kind).WithData(map[string]any{"nodeId": node.ID})
		}

		policy := def.DefaultPolicy.Merge(st.flow.DefaultPolicy).Merge(node.Policy)
		if policy.Timeout == 0 {
			policy.Timeout = r.cfg.DefaultTimeout
		}

		result, nodeErr := r.runNodeWithRetry(ctx, def, policy, st, node, ctrl)
		if nodeErr != nil {
			action, target := resolveOnError(st.flow, node.ID, policy)
			switch action {
			case graph.OnErrorContinue:
				next, ok := graph.FindNextNode(st.flow, node.ID, "")
				if !ok {
					return nodeErr
				}
				st.currentNodeID = next
				continue
			case graph.OnErrorGoto:
				if target == "" || st.flow.NodeByID(target) == nil {
					return nodeErr
				}
				st.currentNodeID = target
				continue
			default:
				return nodeErr
			}
		}

		if len(result.VarsPatch) > 0 {
			ctrl.mergeVars(result.VarsPatch)
			r.appendEvent(ctx, st.rec, &store.RunEvent{Kind: store.EventVarsPatch, NodeID: node.ID, Data: cloneMap(result.VarsPatch), CreatedAt: time.Now()})
		}
		if len(result.Outputs) > 0 {
			for k, v := range result.Outputs {
				st.outputs[k] = v
			}
		}
		r.appendEvent(ctx, st.rec, &store.RunEvent{Kind: store.EventNodeSucceeded, NodeID: node.ID, Data: cloneMap(result.Outputs), CreatedAt: time.Now()})

		st.rec.CurrentNodeID = node.ID
		r.updateRun(ctx, st.rec)

		if result.Next.Kind == plugin.NextEnd {
			return nil
		}

		label := ""
		if result.Next.Kind == plugin.NextEdgeLabel {
			label = result.Next.Label
		}
		next, ok := graph.FindNextNode(st.flow, node.ID, label)
		if !ok {
			return nil
		}
		st.currentNodeID = next
	}
}

// pauseAndWait transitions st.rec to paused, emits run.paused (with
// reason attached when non-nil, distinguishing a breakpoint/step pause
// from an explicit Pause() call), and blocks until Resume unblocks
// ctrl's current resume channel or ctx is canceled.
func (r *Runner) pauseAndWait(ctx context.Context, ctrl *control, st *runState, reason map[string]any) error {
	resumeCh := ctrl.resumeChan()
	st.rec.Status = store.RunPaused
	r.updateRun(ctx, st.rec)

	var data map[string]any
	if reason != nil {
		data = map[string]any{"reason": reason}
	}
	r.appendEvent(ctx, st.rec, &store.RunEvent{Kind: store.EventRunPaused, NodeID: st.currentNodeID, Data: data, CreatedAt: time.Now()})
	if err := r.backend.MarkPaused(ctx, st.rec.ID); err != nil {
		r.logger.Error("mark paused failed", ilog.Error(err))
	}

	select {
	case <-resumeCh:
		st.rec.Status = store.RunRunning
		r.updateRun(ctx, st.rec)
		r.appendEvent(ctx, st.rec, &store.RunEvent{Kind: store.EventRunResumed, NodeID: st.currentNodeID, CreatedAt: time.Now()})
		if err := r.backend.MarkRunning(ctx, st.rec.ID, r.ownerID); err != nil {
			r.logger.Error("mark running after resume failed", ilog.Error(err))
		}
		return nil
	case <-ctx.Done():
		return rrerror.New(rrerror.CodeRunCanceled, "run canceled while paused")
	}
}

// resolveOnError honors an explicit node policy first. When the policy
// leaves OnError unset, it falls back to an edge labeled on_error
// leaving the failing node, and only then defaults to OnErrorFail.
func resolveOnError(flow *graph.Flow, nodeID string, p graph.Policy) (graph.OnErrorAction, string) {
	if p.OnError != nil {
		return p.OnError.Action, p.OnError.Target
	}
	for _, e := range flow.OutgoingEdges(nodeID) {
		if e.Label == onErrorEdgeLabel {
			return graph.OnErrorGoto, e.To
		}
	}
	return graph.OnErrorFail, ""
}

// runNodeWithRetry runs node's Execute once plus up to
// policy.Retry.MaxAttempts retries (once if Retry is nil), sleeping a
// backoff-with-jitter delay between attempts. It appends node.queued
// once, then node.started/node.failed events for every attempt.
func (r *Runner) runNodeWithRetry(ctx context.Context, def plugin.NodeDefinition, policy graph.Policy, st *runState, node *graph.Node, ctrl *control) (plugin.Result, error) {
	maxAttempts := 1
	if policy.Retry != nil && policy.Retry.MaxAttempts > 0 {
		maxAttempts = policy.Retry.MaxAttempts + 1
	}

	r.appendEvent(ctx, st.rec, &store.RunEvent{Kind: store.EventNodeQueued, NodeID: node.ID, CreatedAt: time.Now()})

	// scope=node re-races the same deadline across every attempt instead
	// of handing each attempt a fresh full Timeout.
	var nodeDeadline time.Time
	if policy.Timeout > 0 && policy.TimeoutScope == graph.TimeoutScopeNode {
		nodeDeadline = time.Now().Add(policy.Timeout)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := calculateBackoff(policy.Retry, attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return plugin.Result{}, rrerror.New(rrerror.CodeRunCanceled, "run canceled during retry backoff")
			}
		}

		if policy.WaitBefore > 0 && attempt == 1 {
			select {
			case <-time.After(policy.WaitBefore):
			case <-ctx.Done():
				return plugin.Result{}, rrerror.New(rrerror.CodeRunCanceled, "run canceled during waitBefore")
			}
		}

		st.rec.Attempt = attempt
		r.appendEvent(ctx, st.rec, &store.RunEvent{Kind: store.EventNodeStarted, NodeID: node.ID, Attempt: attempt, CreatedAt: time.Now()})

		nodeCtx := ctx
		var cancel context.CancelFunc
		switch {
		case policy.Timeout > 0 && policy.TimeoutScope == graph.TimeoutScopeNode:
			nodeCtx, cancel = context.WithDeadline(ctx, nodeDeadline)
		case policy.Timeout > 0:
			nodeCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		nodeCtx, nodeSpan := safeStartNode(nodeCtx, r.tracer, node.ID, node.Kind, attempt)
		result, err := def.Execute(nodeCtx, plugin.Execution{
			RunID:   st.rec.ID,
			FlowID:  st.rec.FlowID,
			Node:    *node,
			Attempt: attempt,
			Vars:    ctrl.snapshotVars(),
			Trigger: st.rec.Trigger,
		})
		if cancel != nil {
			cancel()
		}

		if err == nil && result.Status == plugin.StatusSucceeded {
			safeSetOK(nodeSpan)
			safeEnd(nodeSpan)
			return result, nil
		}

		if err == nil {
			err = result.Err
		}
		if err == nil {
			err = rrerror.New(rrerror.CodeDAGExecutionFailed, "node reported failure with no error")
		}
		lastErr = err
		safeRecordError(nodeSpan, err)
		safeEnd(nodeSpan)

		willRetry := attempt < maxAttempts && ctx.Err() == nil && policy.Retry.AllowsRetry(string(rrerror.CodeOf(err)))
		decision := "fail"
		if willRetry {
			decision = "retry"
		}
		r.appendEvent(ctx, st.rec, &store.RunEvent{
			Kind: store.EventNodeFailed, NodeID: node.ID, Attempt: attempt, Error: err.Error(),
			Data: map[string]any{"decision": decision}, CreatedAt: time.Now(),
		})

		if nodeCtx.Err() != nil && ctx.Err() != nil {
			return plugin.Result{}, rrerror.Wrap(rrerror.CodeRunCanceled, ctx.Err(), "run canceled during node execution")
		}
		if !willRetry {
			break
		}
	}

	return plugin.Result{}, rrerror.Wrap(rrerror.CodeDAGExecutionFailed, lastErr, "node exhausted retries").WithData(map[string]any{"nodeId": node.ID})
}

// finish transitions rec to its terminal status and appends the single
// trailing terminal event a complete run history requires.
func (r *Runner) finish(ctx context.Context, st *runState, runErr error) {
	now := time.Now()
	st.rec.FinishedAt = &now
	if st.rec.StartedAt != nil {
		st.rec.TookMs = now.Sub(*st.rec.StartedAt).Milliseconds()
	}
	st.rec.Outputs = st.outputs

	switch {
	case runErr == nil:
		st.rec.Status = store.RunSucceeded
		r.appendEvent(ctx, st.rec, &store.RunEvent{Kind: store.EventRunSucceeded, CreatedAt: now})
	case rrerror.CodeOf(runErr) == rrerror.CodeRunCanceled:
		st.rec.Status = store.RunCanceled
		st.rec.Error = runErr.Error()
		r.appendEvent(ctx, st.rec, &store.RunEvent{Kind: store.EventRunCanceled, NodeID: st.currentNodeID, Error: runErr.Error(), CreatedAt: now})
	default:
		st.rec.Status = store.RunFailed
		st.rec.Error = runErr.Error()
		r.appendEvent(ctx, st.rec, &store.RunEvent{Kind: store.EventRunFailed, NodeID: st.currentNodeID, Error: runErr.Error(), CreatedAt: now})
	}

	r.updateRun(ctx, st.rec)
	if err := r.backend.MarkDone(ctx, st.rec.ID); err != nil {
		r.logger.Error("mark done failed", ilog.Error(err))
	}
}

// appendEvent stamps RunID, persists e via the EventStore (which assigns
// seq), and publishes it to the event bus. Append/publish failures are
// logged, not propagated: a dropped event must never abort a run.
func (r *Runner) appendEvent(ctx context.Context, rec *store.RunRecord, e *store.RunEvent) {
	e.RunID = rec.ID
	seq, err := r.backend.Append(ctx, rec.ID, e)
	if err != nil {
		r.logger.Error("append event failed", ilog.Error(err))
		return
	}
	e.Seq = seq
	r.bus.Publish(ctx, e)
}

// updateRun persists rec, logging (not propagating) a failure: a failed
// status write must never abort an in-flight run.
func (r *Runner) updateRun(ctx context.Context, rec *store.RunRecord) {
	if err := r.backend.UpdateRun(ctx, rec); err != nil {
		r.logger.Error("update run failed", ilog.Error(err))
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

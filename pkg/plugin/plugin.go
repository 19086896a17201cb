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

// Package plugin defines the contract node kinds and trigger kinds
// implement to be driven by the Runner and trigger manager. The registry
// is populated once at startup and never mutated afterward, so lookups
// need no locking.
package plugin

import (
	"context"

	"github.com/tombee/tabconductor/internal/graph"
	"github.com/tombee/tabconductor/internal/store"
)

// NextKind selects how the Runner advances after a node finishes.
type NextKind string

const (
	// NextEdgeLabel follows the outgoing edge matching Result.Label.
	NextEdgeLabel NextKind = "edgeLabel"
	// NextEnd terminates the run successfully regardless of remaining edges.
	NextEnd NextKind = "end"
)

// Next tells the Runner which edge to take after a node finishes. The
// zero value means "follow the default edge", equivalent to an absent
// next.
type Next struct {
	Kind  NextKind
	Label string
}

// Status is a node execution attempt's outcome.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result is what Execute returns for one attempt. A StatusFailed result
// with Err set is retried per the node's effective RetryPolicy; a
// StatusSucceeded result is never retried.
type Result struct {
	Status    Status
	VarsPatch map[string]any
	Outputs   map[string]any
	Next      Next
	Err       error
}

// Succeed builds a StatusSucceeded Result following the default edge.
func Succeed(outputs map[string]any) Result {
	return Result{Status: StatusSucceeded, Outputs: outputs}
}

// SucceedTo builds a StatusSucceeded Result that follows the named edge
// label instead of the default edge.
func SucceedTo(label string, outputs map[string]any) Result {
	return Result{Status: StatusSucceeded, Outputs: outputs, Next: Next{Kind: NextEdgeLabel, Label: label}}
}

// Fail builds a StatusFailed Result carrying err.
func Fail(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}

// ExecuteFunc runs one attempt of a node. It must not mutate ctx except
// through the vars and artifacts ports the Runner threads through
// Execution; everything Execute needs to read or write about run state
// arrives in or leaves through Execution and the returned Result.
type ExecuteFunc func(ctx context.Context, exec Execution) (Result, error)

// Execution is the per-attempt view of run state a node's ExecuteFunc
// may read, plus the ports it may write through. It intentionally
// exposes no direct access to the store: a node kind can only affect run
// state through VarsPatch/Outputs in its returned Result.
type Execution struct {
	RunID   string
	FlowID  string
	Node    graph.Node
	Attempt int
	Vars    map[string]any
	Trigger *store.TriggerContext
}

// NodeDefinition is a registered node kind.
type NodeDefinition struct {
	Kind          string
	Schema        map[string]any
	DefaultPolicy graph.Policy
	Execute       ExecuteFunc
}

// TriggerHandler is a running instance of a trigger kind: it watches for
// activation and calls fire when one occurs. Stop must be idempotent.
type TriggerHandler interface {
	Start(ctx context.Context) error
	Stop() error
}

// TriggerHandlerFactory builds a TriggerHandler bound to spec and a fire
// callback the handler invokes (with a freshly-resolved TriggerContext
// and any trigger-supplied args) whenever the trigger activates.
type TriggerHandlerFactory func(spec *store.TriggerSpec, fire func(ctx context.Context, args map[string]any) error) (TriggerHandler, error)

// Registry is the eagerly-populated, read-only-after-startup map of node
// kinds and trigger kinds the engine recognizes.
type Registry struct {
	nodes    map[string]NodeDefinition
	triggers map[store.TriggerKind]TriggerHandlerFactory
}

// NewRegistry returns an empty Registry. Callers register every node and
// trigger kind before handing the Registry to the Runner/trigger
// manager; Register after first use is not supported.
func NewRegistry() *Registry {
	return &Registry{
		nodes:    make(map[string]NodeDefinition),
		triggers: make(map[store.TriggerKind]TriggerHandlerFactory),
	}
}

// RegisterNode adds a node kind definition, overwriting any existing
// registration for the same Kind.
func (r *Registry) RegisterNode(def NodeDefinition) {
	r.nodes[def.Kind] = def
}

// Node looks up a node kind. The second return is false for an unknown
// kind, which the Runner surfaces as an UNSUPPORTED_NODE error.
func (r *Registry) Node(kind string) (NodeDefinition, bool) {
	def, ok := r.nodes[kind]
	return def, ok
}

// RegisterTrigger adds a trigger kind factory, overwriting any existing
// registration for the same kind.
func (r *Registry) RegisterTrigger(kind store.TriggerKind, factory TriggerHandlerFactory) {
	r.triggers[kind] = factory
}

// Trigger looks up a trigger kind factory.
func (r *Registry) Trigger(kind store.TriggerKind) (TriggerHandlerFactory, bool) {
	factory, ok := r.triggers[kind]
	return factory, ok
}

// NodeKinds lists every registered node kind, sorted for stable RPC
// responses is the caller's job (range order over a map is randomized).
func (r *Registry) NodeKinds() []string {
	out := make([]string, 0, len(r.nodes))
	for k := range r.nodes {
		out = append(out, k)
	}
	return out
}

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

// Package graph defines the flow graph: Flow, Node, Edge, and Policy,
// along with validation and traversal over them.
package graph

import "time"

// CurrentSchemaVersion is the schema version new flows are saved with.
// SaveFlow rejects a Flow whose SchemaVersion does not match.
const CurrentSchemaVersion = 3

// BackoffMode selects how the delay between retry attempts grows.
type BackoffMode string

const (
	// BackoffNone holds the delay at BackoffBase for every attempt.
	BackoffNone BackoffMode = "none"
	// BackoffLinear grows the delay by BackoffBase per attempt.
	BackoffLinear BackoffMode = "linear"
	// BackoffExp doubles the delay every attempt. The zero value of
	// BackoffMode behaves as BackoffExp, matching this engine's
	// longstanding default.
	BackoffExp BackoffMode = "exp"
)

// RetryPolicy controls how many times, and how, a failed node attempt is
// retried before the node is considered failed. RetryOn, when non-empty,
// restricts retrying to attempts that failed with one of the listed
// rrerror.Code values; any other code fails the node on its first
// attempt regardless of MaxAttempts.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	BackoffBase time.Duration `json:"backoffBase"`
	BackoffMax  time.Duration `json:"backoffMax"`
	Backoff     BackoffMode   `json:"backoff,omitempty"`
	Jitter      bool          `json:"jitter"`
	RetryOn     []string      `json:"retryOn,omitempty"`
}

// AllowsRetry reports whether code is eligible for another attempt under
// p. A nil p or an empty RetryOn list retries every code; a non-empty
// RetryOn list retries only the codes it names.
func (p *RetryPolicy) AllowsRetry(code string) bool {
	if p == nil || len(p.RetryOn) == 0 {
		return true
	}
	for _, c := range p.RetryOn {
		if c == code {
			return true
		}
	}
	return false
}

// OnErrorAction names what the Runner does when a node exhausts retries.
type OnErrorAction string

const (
	OnErrorFail     OnErrorAction = "fail"
	OnErrorContinue OnErrorAction = "continue"
	OnErrorGoto     OnErrorAction = "goto"
)

// OnErrorPolicy resolves what happens after a node's final failed attempt.
type OnErrorPolicy struct {
	Action OnErrorAction `json:"action"`
	// Target is the node id to jump to when Action is OnErrorGoto.
	Target string `json:"target,omitempty"`
}

// TimeoutScope selects what a node's Policy.Timeout budgets.
type TimeoutScope string

const (
	// TimeoutScopeAttempt (the default) gives every retry attempt a
	// fresh full Timeout.
	TimeoutScopeAttempt TimeoutScope = "attempt"
	// TimeoutScopeNode budgets Timeout across the node as a whole: the
	// same deadline applies to every attempt, so a node that has already
	// burned part of its budget on a failed attempt re-races whatever
	// time remains rather than starting over.
	TimeoutScopeNode TimeoutScope = "node"
)

// Policy is the hierarchical execution policy merged plugin-default
// ⊕ flow-default ⊕ node-override, field by field, each level filling in
// only what the level above left zero-valued.
type Policy struct {
	Timeout            time.Duration  `json:"timeout,omitempty"`
	TimeoutScope       TimeoutScope   `json:"timeoutScope,omitempty"`
	Retry              *RetryPolicy   `json:"retry,omitempty"`
	WaitBefore         time.Duration  `json:"waitBefore,omitempty"`
	WaitForNetworkIdle bool           `json:"waitForNetworkIdle,omitempty"`
	WaitForStableDom   bool           `json:"waitForStableDom,omitempty"`
	OnError            *OnErrorPolicy `json:"onError,omitempty"`
	ArtifactsDir       string         `json:"artifactsDir,omitempty"`
}

// Merge returns a new Policy in which every non-zero field of override
// replaces the receiver's; the receiver's value stands only where
// override's field is zero. Nil-safe on both sides.
func (p Policy) Merge(override Policy) Policy {
	out := p
	if override.Timeout != 0 {
		out.Timeout = override.Timeout
	}
	if override.TimeoutScope != "" {
		out.TimeoutScope = override.TimeoutScope
	}
	if override.Retry != nil {
		out.Retry = override.Retry
	}
	if override.WaitBefore != 0 {
		out.WaitBefore = override.WaitBefore
	}
	if override.WaitForNetworkIdle {
		out.WaitForNetworkIdle = true
	}
	if override.WaitForStableDom {
		out.WaitForStableDom = true
	}
	if override.OnError != nil {
		out.OnError = override.OnError
	}
	if override.ArtifactsDir != "" {
		out.ArtifactsDir = override.ArtifactsDir
	}
	return out
}

// Node is one step in a Flow's DAG. Kind selects the plugin.NodeDefinition
// that executes it; Config is passed to Execute unchanged at run time.
// Config is not checked against the definition's Schema, neither at
// save time nor at run time.
type Node struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Label    string         `json:"label,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
	Policy   Policy         `json:"policy,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
}

// Edge connects two nodes. Label, when non-empty, must match the value
// a node's Execute result names as its outcome (see FindNextNode); an
// empty Label marks the node's unconditional fallthrough edge, and a
// Flow may have at most one unlabeled outgoing edge per node (see
// Validate).
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// VarDef declares one of a flow's named variables. A Required var with
// no value resolved by enqueue time fails a run's preflight.
type VarDef struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// Flow is a stored, versioned workflow graph.
type Flow struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	SchemaVersion int           `json:"schemaVersion"`
	EntryNode     string        `json:"entryNode"`
	Nodes         []Node        `json:"nodes"`
	Edges         []Edge        `json:"edges"`
	Vars          []VarDef      `json:"vars,omitempty"`
	DefaultPolicy Policy        `json:"defaultPolicy,omitempty"`
	BindingRules  []BindingRule `json:"bindingRules,omitempty"`
	IconURL       string        `json:"iconUrl,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// NodeByID returns the node with the given id, or nil if absent.
func (f *Flow) NodeByID(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns every edge whose From matches nodeID, in the
// order they appear in the Flow.
func (f *Flow) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

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

// Package testutil provides fixture builders and collectors shared by
// tests across the store, eventbus, runner, and rpc packages.
package testutil

import (
	"github.com/tombee/tabconductor/internal/graph"
)

// FlowBuilder assembles a graph.Flow one node/edge at a time, for tests
// that need a graph shape without hand-writing struct literals.
type FlowBuilder struct {
	flow graph.Flow
}

// NewFlowBuilder starts a builder for a flow with the given id, defaulting
// EntryNode to entry and SchemaVersion to graph.CurrentSchemaVersion.
func NewFlowBuilder(id, entry string) *FlowBuilder {
	return &FlowBuilder{flow: graph.Flow{
		ID:            id,
		Name:          id,
		SchemaVersion: graph.CurrentSchemaVersion,
		EntryNode:     entry,
	}}
}

// Node appends a node of the given kind, with an optional config.
func (b *FlowBuilder) Node(id, kind string, config map[string]any) *FlowBuilder {
	b.flow.Nodes = append(b.flow.Nodes, graph.Node{ID: id, Kind: kind, Config: config})
	return b
}

// NodeWithPolicy appends a node carrying a per-node Policy override.
func (b *FlowBuilder) NodeWithPolicy(id, kind string, config map[string]any, policy graph.Policy) *FlowBuilder {
	b.flow.Nodes = append(b.flow.Nodes, graph.Node{ID: id, Kind: kind, Config: config, Policy: policy})
	return b
}

// Edge appends an edge from -> to, optionally labeled.
func (b *FlowBuilder) Edge(from, to, label string) *FlowBuilder {
	b.flow.Edges = append(b.flow.Edges, graph.Edge{From: from, To: to, Label: label})
	return b
}

// DefaultPolicy sets the flow-level default Policy.
func (b *FlowBuilder) DefaultPolicy(p graph.Policy) *FlowBuilder {
	b.flow.DefaultPolicy = p
	return b
}

// Tags sets the flow's tags.
func (b *FlowBuilder) Tags(tags ...string) *FlowBuilder {
	b.flow.Tags = tags
	return b
}

// Vars sets the flow's declared variables.
func (b *FlowBuilder) Vars(vars ...graph.VarDef) *FlowBuilder {
	b.flow.Vars = vars
	return b
}

// BindingRules sets the flow's tab binding rules.
func (b *FlowBuilder) BindingRules(rules ...graph.BindingRule) *FlowBuilder {
	b.flow.BindingRules = rules
	return b
}

// Build returns the assembled Flow.
func (b *FlowBuilder) Build() graph.Flow {
	return b.flow
}

// LinearFlow returns a minimal two-node flow, "start" -> "end", with both
// nodes of kind "log" unless overridden by kinds. Useful as a default
// fixture wherever a test needs *some* valid, saveable flow and doesn't
// care about its shape.
func LinearFlow(id string) graph.Flow {
	return NewFlowBuilder(id, "start").
		Node("start", "log", map[string]any{"message": "start"}).
		Node("end", "log", map[string]any{"message": "end"}).
		Edge("start", "end", "").
		Build()
}

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

package graph

import (
	"strings"

	"github.com/tombee/tabconductor/pkg/rrerror"
)

// Validate checks a Flow's structural invariants: reference integrity,
// entry-node existence, absence of cycles, and absence of ambiguous
// unlabeled-edge fallthrough. It does not validate node Config against
// a plugin schema; that is the plugin registry's job (see pkg/plugin).
func Validate(f *Flow) error {
	if f.EntryNode == "" {
		return rrerror.New(rrerror.CodeDAGInvalid, "flow has no entryNode")
	}

	nodeIDs := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return rrerror.New(rrerror.CodeDAGInvalid, "flow contains a node with an empty id")
		}
		if nodeIDs[n.ID] {
			return rrerror.Newf(rrerror.CodeDAGInvalid, "duplicate node id %q", n.ID)
		}
		nodeIDs[n.ID] = true
	}

	if !nodeIDs[f.EntryNode] {
		return rrerror.Newf(rrerror.CodeDAGInvalid, "entryNode %q does not reference any node", f.EntryNode)
	}

	for _, e := range f.Edges {
		if !nodeIDs[e.From] {
			return rrerror.Newf(rrerror.CodeDAGInvalid, "edge references unknown source node %q", e.From)
		}
		if !nodeIDs[e.To] {
			return rrerror.Newf(rrerror.CodeDAGInvalid, "edge references unknown target node %q", e.To)
		}
	}

	if err := checkAmbiguousFallthrough(f); err != nil {
		return err
	}

	if cyclePath, ok := findCycle(f); ok {
		return rrerror.Newf(rrerror.CodeDAGCycle, "cycle detected: %s", strings.Join(cyclePath, " -> "))
	}

	return nil
}

// checkAmbiguousFallthrough rejects a node with more than one unlabeled
// outgoing edge. A hypothetical prior implementation silently picked
// none of them at run time; this implementation fails closed at save
// time instead, per the redesign in SPEC_FULL.md §5.
func checkAmbiguousFallthrough(f *Flow) error {
	unlabeled := make(map[string]int)
	for _, e := range f.Edges {
		if e.Label == "" {
			unlabeled[e.From]++
		}
	}
	for nodeID, count := range unlabeled {
		if count > 1 {
			return rrerror.Newf(rrerror.CodeDAGInvalid, "node %q has %d unlabeled outgoing edges, at most one is allowed", nodeID, count)
		}
	}
	return nil
}

// findCycle runs a DFS with a recursion stack from the entry node (and,
// defensively, from every node, since an edge may reach a node the
// entry node cannot) and returns the first cycle found as a path of
// node ids, innermost repeat last.
func findCycle(f *Flow) ([]string, bool) {
	adjacency := make(map[string][]string, len(f.Nodes))
	for _, e := range f.Edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current recursion stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(f.Nodes))
	var path []string

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		color[id] = gray
		path = append(path, id)
		for _, next := range adjacency[id] {
			switch color[next] {
			case gray:
				// Found the back edge; report the cycle from its start.
				cycleStart := 0
				for i, n := range path {
					if n == next {
						cycleStart = i
						break
					}
				}
				return append(append([]string{}, path[cycleStart:]...), next), true
			case white:
				if cyclePath, found := visit(next); found {
					return cyclePath, true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil, false
	}

	for _, n := range f.Nodes {
		if color[n.ID] == white {
			if cyclePath, found := visit(n.ID); found {
				return cyclePath, true
			}
		}
	}
	return nil, false
}

// unreachableNodeIDs finds nodes no path from the entry node reaches.
// Unlike Validate's checks, this is never fatal — the runner preflight
// logs it as a warning rather than aborting, since an unreachable node
// is usually dead authoring, not a broken flow.
func unreachableNodeIDs(f *Flow) []string {
	reachable := GetReachableNodes(f, f.EntryNode)
	var dead []string
	for _, n := range f.Nodes {
		if !reachable[n.ID] {
			dead = append(dead, n.ID)
		}
	}
	return dead
}

// UnreachableNodes returns the ids of nodes that cannot be reached from
// the flow's entry node. Non-fatal; callers decide whether to warn.
func UnreachableNodes(f *Flow) []string {
	return unreachableNodeIDs(f)
}

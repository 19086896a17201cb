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

// FindNextNode resolves the next node id to execute after nodeID,
// given the outcome label the node's Execute call produced (empty
// string if the node did not name one). Resolution order:
//  1. an edge from nodeID whose Label matches outcome exactly
//  2. the flow's single unlabeled edge from nodeID (the default
//     fallthrough; Validate guarantees there is at most one)
//  3. if nodeID has exactly one outgoing edge overall, that edge
//
// Returns ("", false) when no edge resolves, which means the run
// terminates at nodeID.
func FindNextNode(f *Flow, nodeID, outcome string) (string, bool) {
	edges := f.OutgoingEdges(nodeID)
	if len(edges) == 0 {
		return "", false
	}

	if outcome != "" {
		for _, e := range edges {
			if e.Label == outcome {
				return e.To, true
			}
		}
	}

	for _, e := range edges {
		if e.Label == "" {
			return e.To, true
		}
	}

	if len(edges) == 1 {
		return edges[0].To, true
	}

	return "", false
}

// GetReachableNodes returns the set of node ids reachable from start,
// start included, by following edges forward (ignoring labels).
func GetReachableNodes(f *Flow, start string) map[string]bool {
	adjacency := make(map[string][]string, len(f.Nodes))
	for _, e := range f.Edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[id] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return visited
}

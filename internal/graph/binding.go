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
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/tabconductor/pkg/rrerror"
)

// BindingRule restricts a Flow to running only against a tab whose
// current URL matches every non-empty field. The shape mirrors the
// url-trigger match rule in internal/store and internal/trigger, which binds
// a trigger's activation rather than a run's preflight, so the two stay
// independent: a graph.Flow has no dependency on the store/trigger
// packages.
type BindingRule struct {
	DomainEquals string `json:"domainEquals,omitempty"`
	DomainSuffix string `json:"domainSuffix,omitempty"`
	PathPrefix   string `json:"pathPrefix,omitempty"`
	PathGlob     string `json:"pathGlob,omitempty"`
}

// matchesBindingRule reports whether rawURL satisfies every non-empty
// field of rule.
func matchesBindingRule(rule BindingRule, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())

	if rule.DomainEquals != "" && !strings.EqualFold(host, rule.DomainEquals) {
		return false
	}
	if rule.DomainSuffix != "" {
		suffix := strings.ToLower(rule.DomainSuffix)
		if host != suffix && !strings.HasSuffix(host, "."+suffix) {
			return false
		}
	}
	if rule.PathPrefix != "" && !strings.HasPrefix(parsed.Path, rule.PathPrefix) {
		return false
	}
	if rule.PathGlob != "" {
		matched, err := doublestar.Match(rule.PathGlob, strings.TrimPrefix(parsed.Path, "/"))
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// EnforceBindingRules reports a VALIDATION_ERROR if f declares
// binding rules and rawURL matches none of them. A Flow with no binding
// rules runs against any tab.
func EnforceBindingRules(f *Flow, rawURL string) error {
	if len(f.BindingRules) == 0 {
		return nil
	}
	for _, rule := range f.BindingRules {
		if matchesBindingRule(rule, rawURL) {
			return nil
		}
	}
	return rrerror.Newf(rrerror.CodeValidation, "tab url %q matches none of flow %q's binding rules", rawURL, f.ID)
}

// triggerNodeKinds names the node kinds this engine treats as trigger
// placeholders rather than executable steps, so ResolveEntryNode's
// in-degree-0 fallback skips them the same way the trigger subsystem's
// TriggerKind does in internal/store.
var triggerNodeKinds = map[string]bool{
	"manual":      true,
	"url":         true,
	"cron":        true,
	"interval":    true,
	"once":        true,
	"command":     true,
	"contextMenu": true,
	"dom":         true,
}

// ResolveEntryNode picks the node a run should start from, following the
// fallback chain: an explicit override (e.g. a queued run's
// startNodeId) wins if it names a real node; otherwise f.EntryNode;
// otherwise the first node with no incoming edges that isn't a trigger
// placeholder; otherwise the first node in f.Nodes. Returns an error
// only when f has no nodes at all.
func ResolveEntryNode(f *Flow, override string) (string, error) {
	if override != "" && f.NodeByID(override) != nil {
		return override, nil
	}
	if f.EntryNode != "" && f.NodeByID(f.EntryNode) != nil {
		return f.EntryNode, nil
	}

	hasIncoming := make(map[string]bool, len(f.Nodes))
	for _, e := range f.Edges {
		hasIncoming[e.To] = true
	}
	for _, n := range f.Nodes {
		if !hasIncoming[n.ID] && !triggerNodeKinds[n.Kind] {
			return n.ID, nil
		}
	}

	if len(f.Nodes) > 0 {
		return f.Nodes[0].ID, nil
	}
	return "", rrerror.Newf(rrerror.CodeDAGInvalid, "flow %q has no nodes to start from", f.ID)
}

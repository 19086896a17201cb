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

// Package plugins supplies the engine's built-in node kinds: log, wait,
// http.request, assert, and flaky. Concrete browser-tool kinds (click,
// screenshot, DOM query) are out of scope; a host embedding the engine
// registers those against the same plugin.Registry.
package plugins

import (
	"context"

	"github.com/tombee/tabconductor/pkg/plugin"
)

// logSchema accepts a required "message" string and an optional "level".
// The message is used as written: neither this node kind nor
// internal/runner interpolates run vars into it.
var logSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"message": map[string]any{"type": "string"},
		"level":   map[string]any{"type": "string", "enum": []any{"debug", "info", "warn", "error"}},
	},
	"required": []any{"message"},
}

// Log returns the "log" node kind: it succeeds with outputs carrying the
// configured message and level (default "info"), which the runner records
// on the node's node.succeeded event; it appends no separate log event.
// Used by tests and as a
// minimal no-side-effect building block in example flows.
func Log() plugin.NodeDefinition {
	return plugin.NodeDefinition{
		Kind:   "log",
		Schema: logSchema,
		Execute: func(ctx context.Context, exec plugin.Execution) (plugin.Result, error) {
			message, _ := exec.Node.Config["message"].(string)
			level, _ := exec.Node.Config["level"].(string)
			if level == "" {
				level = "info"
			}
			return plugin.Succeed(map[string]any{
				"message": message,
				"level":   level,
			}), nil
		},
	}
}

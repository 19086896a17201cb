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

package plugins

import (
	"context"
	"time"

	"github.com/tombee/tabconductor/pkg/plugin"
)

var waitSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"durationMs": map[string]any{"type": "number", "minimum": 0},
	},
	"required": []any{"durationMs"},
}

// Wait returns the "wait" node kind: it blocks for the configured
// duration, honoring ctx cancellation, then succeeds. Separate from a
// node's waitBefore policy field (applied by internal/runner before any
// node's first attempt); this node kind exists so a flow can express an
// explicit delay as a step in its own right.
func Wait() plugin.NodeDefinition {
	return plugin.NodeDefinition{
		Kind:   "wait",
		Schema: waitSchema,
		Execute: func(ctx context.Context, exec plugin.Execution) (plugin.Result, error) {
			ms, _ := exec.Node.Config["durationMs"].(float64)
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
				return plugin.Succeed(nil), nil
			case <-ctx.Done():
				return plugin.Fail(ctx.Err()), nil
			}
		},
	}
}

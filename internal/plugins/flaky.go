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

	"github.com/tombee/tabconductor/pkg/plugin"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

var flakySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"failTimes": map[string]any{"type": "number", "minimum": 0},
	},
	"required": []any{"failTimes"},
}

// Flaky returns the "flaky" node kind, test-only: it fails every attempt
// up to and including config.failTimes, then succeeds. exec.Attempt is
// the Runner's 1-based per-node attempt counter, so failTimes=2 fails
// attempts 1 and 2 and succeeds on attempt 3 — exercising the retry/
// backoff path without a real flaky dependency.
func Flaky() plugin.NodeDefinition {
	return plugin.NodeDefinition{
		Kind:   "flaky",
		Schema: flakySchema,
		Execute: func(ctx context.Context, exec plugin.Execution) (plugin.Result, error) {
			failTimes, _ := exec.Node.Config["failTimes"].(float64)
			if exec.Attempt <= int(failTimes) {
				err := rrerror.Newf(rrerror.CodeToolError, "flaky: attempt %d of %d configured failures", exec.Attempt, int(failTimes)).WithRetryable(true)
				return plugin.Fail(err), nil
			}
			return plugin.Succeed(map[string]any{"attempt": exec.Attempt}), nil
		},
	}
}

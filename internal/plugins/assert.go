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
	"fmt"

	"github.com/tombee/tabconductor/internal/testing/assert"
	"github.com/tombee/tabconductor/pkg/plugin"
)

var assertSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"expression": map[string]any{"type": "string"},
	},
	"required": []any{"expression"},
}

// Assert returns the "assert" node kind: it evaluates an expr-lang
// expression against the run's current variables and fails the node
// (rather than erroring the run directly — the node's OnErrorPolicy
// decides what happens next) when the expression evaluates false. Flow
// authors use it to validate scraped data or intermediate state before
// letting a run proceed, e.g. `len(items) > 0` or `status_code == 200`.
func Assert() plugin.NodeDefinition {
	evaluator := assert.New()

	return plugin.NodeDefinition{
		Kind:   "assert",
		Schema: assertSchema,
		Execute: func(ctx context.Context, exec plugin.Execution) (plugin.Result, error) {
			expression, _ := exec.Node.Config["expression"].(string)
			if expression == "" {
				return plugin.Fail(fmt.Errorf("assert: expression is required")), nil
			}

			result := evaluator.Evaluate(expression, exec.Vars)
			if result.Error != nil {
				return plugin.Fail(fmt.Errorf("assert %q: %w", expression, result.Error)), nil
			}
			if !result.Passed {
				return plugin.Fail(fmt.Errorf("assert %q: failed", expression)), nil
			}
			return plugin.Succeed(map[string]any{"expression": expression, "passed": true}), nil
		},
	}
}

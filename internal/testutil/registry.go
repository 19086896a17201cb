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

package testutil

import (
	"context"

	"github.com/tombee/tabconductor/internal/plugins"
	"github.com/tombee/tabconductor/pkg/plugin"
)

// Registry returns a plugin.Registry seeded with the built-in node kinds
// (log, wait, http.request, assert, flaky) plus an "echo" kind that always
// succeeds and copies its config into Outputs, useful as a stand-in
// node in tests that don't care about a real side effect.
func Registry() *plugin.Registry {
	r := plugin.NewRegistry()
	plugins.RegisterBuiltins(r, nil)
	r.RegisterNode(plugin.NodeDefinition{
		Kind: "echo",
		Execute: func(_ context.Context, exec plugin.Execution) (plugin.Result, error) {
			return plugin.Succeed(exec.Node.Config), nil
		},
	})
	return r
}

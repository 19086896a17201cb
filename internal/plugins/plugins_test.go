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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tabconductor/internal/graph"
	"github.com/tombee/tabconductor/pkg/plugin"
)

func TestLog_ReturnsConfiguredMessage(t *testing.T) {
	def := Log()
	res, err := def.Execute(context.Background(), plugin.Execution{
		Node: graph.Node{Config: map[string]any{"message": "hello", "level": "warn"}},
	})
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusSucceeded, res.Status)
	assert.Equal(t, "hello", res.Outputs["message"])
	assert.Equal(t, "warn", res.Outputs["level"])
}

func TestWait_RespectsContextCancellation(t *testing.T) {
	def := Wait()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := def.Execute(ctx, plugin.Execution{
		Node: graph.Node{Config: map[string]any{"durationMs": float64(10000)}},
	})
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusFailed, res.Status)
}

func TestFlaky_FailsThenSucceeds(t *testing.T) {
	def := Flaky()
	cfg := map[string]any{"failTimes": float64(2)}

	res, err := def.Execute(context.Background(), plugin.Execution{Attempt: 1, Node: graph.Node{Config: cfg}})
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusFailed, res.Status)

	res, err = def.Execute(context.Background(), plugin.Execution{Attempt: 2, Node: graph.Node{Config: cfg}})
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusFailed, res.Status)

	res, err = def.Execute(context.Background(), plugin.Execution{Attempt: 3, Node: graph.Node{Config: cfg}})
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusSucceeded, res.Status)
}

func TestHTTPRequest_SucceedsOnNonTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	def := HTTPRequest(nil)
	res, err := def.Execute(context.Background(), plugin.Execution{
		Node: graph.Node{Config: map[string]any{"url": srv.URL, "method": "GET"}},
	})
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusSucceeded, res.Status)
	assert.Equal(t, 404, res.Outputs["status"])
	assert.Equal(t, "nope", res.Outputs["body"])
}

func TestHTTPRequest_FailsOnTransportError(t *testing.T) {
	def := HTTPRequest(nil)
	res, err := def.Execute(context.Background(), plugin.Execution{
		Node: graph.Node{Config: map[string]any{"url": "http://127.0.0.1:0/unreachable"}},
	})
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusFailed, res.Status)
	assert.Error(t, res.Err)
}

func TestAssert_PassesAndFails(t *testing.T) {
	def := Assert()

	res, err := def.Execute(context.Background(), plugin.Execution{
		Node: graph.Node{Config: map[string]any{"expression": "count > 0"}},
		Vars: map[string]any{"count": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusSucceeded, res.Status)

	res, err = def.Execute(context.Background(), plugin.Execution{
		Node: graph.Node{Config: map[string]any{"expression": "count > 0"}},
		Vars: map[string]any{"count": 0},
	})
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusFailed, res.Status)
}

func TestAssert_RequiresExpression(t *testing.T) {
	def := Assert()
	res, err := def.Execute(context.Background(), plugin.Execution{Node: graph.Node{}})
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusFailed, res.Status)
}

func TestRegisterBuiltins(t *testing.T) {
	r := plugin.NewRegistry()
	RegisterBuiltins(r, nil)

	for _, kind := range []string{"log", "wait", "http.request", "assert", "flaky"} {
		_, ok := r.Node(kind)
		assert.True(t, ok, "expected kind %s to be registered", kind)
	}
}

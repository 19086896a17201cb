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
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/tabconductor/pkg/plugin"
)

var httpRequestSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"url":    map[string]any{"type": "string"},
		"method": map[string]any{"type": "string", "enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE"}},
		"body":   map[string]any{"type": "string"},
		"headers": map[string]any{
			"type":                 "object",
			"additionalProperties": map[string]any{"type": "string"},
		},
	},
	"required": []any{"url"},
}

// HTTPRequest returns the "http.request" node kind: an outbound call
// standing in for a browser-tool network action, useful for flows that
// just need to ping a webhook or poll a status endpoint without a tab.
// Outputs carry status, body (capped), and headers; a non-2xx response
// is a successful node execution with outputs describing the response —
// only a transport-level error fails the node — matching how the
// binding-rule preflight treats HTTP reachability versus HTTP semantics
// as separate concerns.
func HTTPRequest(client *http.Client) plugin.NodeDefinition {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return plugin.NodeDefinition{
		Kind:   "http.request",
		Schema: httpRequestSchema,
		Execute: func(ctx context.Context, exec plugin.Execution) (plugin.Result, error) {
			url, _ := exec.Node.Config["url"].(string)
			method, _ := exec.Node.Config["method"].(string)
			if method == "" {
				method = http.MethodGet
			}
			var body io.Reader
			if b, ok := exec.Node.Config["body"].(string); ok && b != "" {
				body = strings.NewReader(b)
			}

			req, err := http.NewRequestWithContext(ctx, method, url, body)
			if err != nil {
				return plugin.Fail(err), nil
			}
			if headers, ok := exec.Node.Config["headers"].(map[string]any); ok {
				for k, v := range headers {
					if s, ok := v.(string); ok {
						req.Header.Set(k, s)
					}
				}
			}

			resp, err := client.Do(req)
			if err != nil {
				return plugin.Fail(err), nil
			}
			defer resp.Body.Close()

			const maxBody = 1 << 20
			buf := new(bytes.Buffer)
			if _, err := io.CopyN(buf, resp.Body, maxBody); err != nil && err != io.EOF {
				return plugin.Fail(err), nil
			}

			headers := make(map[string]any, len(resp.Header))
			for k, v := range resp.Header {
				if len(v) > 0 {
					headers[k] = v[0]
				}
			}

			return plugin.Succeed(map[string]any{
				"status":  resp.StatusCode,
				"body":    buf.String(),
				"headers": headers,
			}), nil
		},
	}
}

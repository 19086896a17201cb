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
	"net/http"

	"github.com/tombee/tabconductor/pkg/plugin"
)

// RegisterBuiltins adds log, wait, http.request, assert, and flaky to r.
// httpClient may be nil, in which case http.request builds its own client.
func RegisterBuiltins(r *plugin.Registry, httpClient *http.Client) {
	r.RegisterNode(Log())
	r.RegisterNode(Wait())
	r.RegisterNode(HTTPRequest(httpClient))
	r.RegisterNode(Assert())
	r.RegisterNode(Flaky())
}

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

package trigger

import (
	"context"

	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/plugin"
)

// manualHandler has no detection of its own: a manual TriggerSpec only
// fires through the fireTrigger RPC call, which goes straight to
// enqueue.Service and never touches Manager's installed set. It is
// still installed so Reconcile has something to hold the spec's
// updatedAt against, and so fireTrigger can find a live fire closure
// to invoke (see Manager.Fire).
type manualHandler struct{}

func (m *Manager) manualHandlerFactory() plugin.TriggerHandlerFactory {
	return func(spec *store.TriggerSpec, fire func(context.Context, map[string]any) error) (plugin.TriggerHandler, error) {
		return manualHandler{}, nil
	}
}

func (manualHandler) Start(ctx context.Context) error { return nil }
func (manualHandler) Stop() error                      { return nil }

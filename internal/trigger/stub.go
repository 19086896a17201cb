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

// stubHandler registers a trigger kind so specs of that kind load and
// reconcile without error, but does nothing: dom and command triggers
// are listed for completeness and have no detection implemented here,
// since neither a DOM mutation observer nor a host command palette is
// modeled by hostcap. They become live once a host capability for them
// exists.
type stubHandler struct{}

func (m *Manager) stubHandlerFactory() plugin.TriggerHandlerFactory {
	return func(spec *store.TriggerSpec, fire func(context.Context, map[string]any) error) (plugin.TriggerHandler, error) {
		return stubHandler{}, nil
	}
}

func (stubHandler) Start(ctx context.Context) error { return nil }
func (stubHandler) Stop() error                      { return nil }

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
	"github.com/tombee/tabconductor/internal/hostcap"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/plugin"
)

// RegisterBuiltins adds every trigger kind's handler factory to r.
// alarms and menus may be nil if the embedding host doesn't support
// platform timers or a context menu; interval/once fall back to an
// in-process timer when alarms is nil, and contextMenu is registered
// as a stub when menus is nil, rather than failing Reconcile outright.
func (m *Manager) RegisterBuiltins(r *plugin.Registry, alarms hostcap.Alarms, menus hostcap.MenuHost) {
	r.RegisterTrigger(store.TriggerManual, m.manualHandlerFactory())
	r.RegisterTrigger(store.TriggerURL, m.urlHandlerFactory())
	r.RegisterTrigger(store.TriggerCron, m.cronHandlerFactory())
	r.RegisterTrigger(store.TriggerInterval, m.intervalHandlerFactory(alarms))
	r.RegisterTrigger(store.TriggerOnce, m.onceHandlerFactory(alarms))
	r.RegisterTrigger(store.TriggerDOM, m.stubHandlerFactory())
	r.RegisterTrigger(store.TriggerCommand, m.stubHandlerFactory())

	if menus != nil {
		r.RegisterTrigger(store.TriggerContextMenu, m.contextMenuHandlerFactory(menus))
	} else {
		r.RegisterTrigger(store.TriggerContextMenu, m.stubHandlerFactory())
	}
}

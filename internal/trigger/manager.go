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

// Package trigger reconciles persisted TriggerSpecs against installed
// plugin.TriggerHandler instances and supplies the handler kinds this
// engine ships: url, cron, interval, once, contextMenu, manual, and the
// stubbed dom/command kinds. Manager re-reads the whole trigger set on
// any change and installs/uninstalls handlers by delta, the way the
// teacher's trigger manager reconciles its config file against the
// watchers it has running.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/tabconductor/internal/enqueue"
	ilog "github.com/tombee/tabconductor/internal/log"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/plugin"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

// installed is one currently-running handler, plus the bookkeeping
// Manager needs to detect a spec change and to invalidate any in-flight
// fire callback from a since-uninstalled generation.
type installed struct {
	handler   plugin.TriggerHandler
	updatedAt time.Time
	gen       uint64
	cancel    context.CancelFunc
	fire      func(ctx context.Context, args map[string]any) error
}

// Manager installs and tears down trigger handlers to match the set of
// enabled TriggerSpecs in storage.
type Manager struct {
	backend  store.TriggerStore
	enqueue  *enqueue.Service
	registry *plugin.Registry
	logger   *slog.Logger

	nav *navigationHub

	mu        sync.Mutex
	installed map[string]*installed
	nextGen   uint64
}

// New builds a Manager. registry supplies the TriggerHandlerFactory for
// each kind (see RegisterBuiltins, which takes the optional alarms and
// menus capabilities). Reconcile logs and skips a spec whose kind has no
// registered factory, or whose handler fails to build or start, rather
// than failing the whole pass.
func New(be store.TriggerStore, enq *enqueue.Service, registry *plugin.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend:   be,
		enqueue:   enq,
		registry:  registry,
		logger:    logger,
		nav:       newNavigationHub(),
		installed: make(map[string]*installed),
	}
}

// NotifyNavigation tells installed url-trigger handlers that tabID just
// navigated to rawURL. The host calls this whenever it observes a tab
// navigation; Manager has no way to observe one on its own.
func (m *Manager) NotifyNavigation(ctx context.Context, tabID, rawURL string) {
	m.nav.notify(ctx, tabID, rawURL)
}

// Reconcile re-reads every enabled TriggerSpec and brings the installed
// handler set in line with it: new specs are installed, removed or
// disabled specs are uninstalled, and specs that changed since their
// handler was installed are reinstalled from scratch. Call after any
// trigger CRUD mutation and once at startup.
func (m *Manager) Reconcile(ctx context.Context) error {
	enabledVal := true
	specs, err := m.backend.ListTriggers(ctx, store.TriggerFilter{Enabled: &enabledVal})
	if err != nil {
		return err
	}

	wanted := make(map[string]*store.TriggerSpec, len(specs))
	for _, spec := range specs {
		wanted[spec.ID] = spec
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, inst := range m.installed {
		spec, ok := wanted[id]
		if !ok {
			m.uninstallLocked(id, inst)
			continue
		}
		if !spec.UpdatedAt.Equal(inst.updatedAt) {
			m.uninstallLocked(id, inst)
		}
	}

	for id, spec := range wanted {
		if _, ok := m.installed[id]; ok {
			continue
		}
		m.installLocked(ctx, spec)
	}

	return nil
}

func (m *Manager) installLocked(ctx context.Context, spec *store.TriggerSpec) {
	factory, ok := m.registry.Trigger(spec.Kind)
	if !ok {
		m.logger.Error("no handler factory registered for trigger kind", "trigger_id", spec.ID, "kind", spec.Kind)
		return
	}

	m.nextGen++
	gen := m.nextGen

	hctx, cancel := context.WithCancel(ctx)
	inst := &installed{updatedAt: spec.UpdatedAt, cancel: cancel, gen: gen}

	fire := func(fireCtx context.Context, args map[string]any) error {
		m.mu.Lock()
		current, ok := m.installed[spec.ID]
		stale := !ok || current.gen != gen
		m.mu.Unlock()
		if stale {
			return nil
		}
		mergedArgs := mergeArgs(spec.Args, args)
		trigCtx := &store.TriggerContext{TriggerID: spec.ID, Kind: string(spec.Kind)}
		if sourceURL, ok := args["url"].(string); ok {
			trigCtx.SourceURL = sourceURL
		}
		_, err := m.enqueue.EnqueueRun(fireCtx, enqueue.Request{
			FlowID:   spec.FlowID,
			Args:     mergedArgs,
			Trigger:  trigCtx,
			Priority: 0,
		})
		return err
	}
	inst.fire = fire

	handler, err := factory(spec, fire)
	if err != nil {
		m.logger.Error("build trigger handler failed", ilog.Error(err), "trigger_id", spec.ID, "kind", spec.Kind)
		cancel()
		return
	}
	if err := handler.Start(hctx); err != nil {
		m.logger.Error("start trigger handler failed", ilog.Error(err), "trigger_id", spec.ID, "kind", spec.Kind)
		cancel()
		return
	}

	inst.handler = handler
	m.installed[spec.ID] = inst
}

// Fire invokes the fire closure of an installed trigger directly,
// merging extraArgs over the spec's own Args the same way an
// automatic detection would. It returns rrerror.CodeNotFound if id
// isn't currently installed — which includes disabled triggers, since
// Reconcile only installs enabled ones.
func (m *Manager) Fire(ctx context.Context, id string, extraArgs map[string]any) error {
	m.mu.Lock()
	inst, ok := m.installed[id]
	m.mu.Unlock()
	if !ok {
		return rrerror.Newf(rrerror.CodeNotFound, "trigger %s is not installed", id)
	}
	return inst.fire(ctx, extraArgs)
}

func (m *Manager) uninstallLocked(id string, inst *installed) {
	inst.cancel()
	if err := inst.handler.Stop(); err != nil {
		m.logger.Error("stop trigger handler failed", ilog.Error(err), "trigger_id", id)
	}
	delete(m.installed, id)
}

// Close uninstalls every handler. Call on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range m.installed {
		m.uninstallLocked(id, inst)
	}
}

func mergeArgs(specArgs, fireArgs map[string]any) map[string]any {
	if len(specArgs) == 0 && len(fireArgs) == 0 {
		return nil
	}
	merged := make(map[string]any, len(specArgs)+len(fireArgs))
	for k, v := range specArgs {
		merged[k] = v
	}
	for k, v := range fireArgs {
		merged[k] = v
	}
	return merged
}

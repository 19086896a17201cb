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
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tabconductor/internal/enqueue"
	"github.com/tombee/tabconductor/internal/graph"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/internal/store/memstore"
	"github.com/tombee/tabconductor/pkg/plugin"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func saveFlow(t *testing.T, be store.Backend, id string) {
	t.Helper()
	flow := graph.Flow{ID: id, Name: id, SchemaVersion: graph.CurrentSchemaVersion, EntryNode: "start", Nodes: []graph.Node{
		{ID: "start", Kind: "log"},
	}}
	require.NoError(t, be.SaveFlow(context.Background(), &flow))
}

func newTestManager(t *testing.T) (*Manager, store.Backend) {
	t.Helper()
	be := memstore.New()
	saveFlow(t, be, "flow-1")
	enq := enqueue.New(be, nil, nil, discardLogger())
	registry := plugin.NewRegistry()
	m := New(be, enq, registry, discardLogger())
	m.RegisterBuiltins(registry, nil, nil)
	return m, be
}

func TestReconcile_InstallsEnabledTrigger(t *testing.T) {
	m, be := newTestManager(t)
	require.NoError(t, be.SaveTrigger(context.Background(), &store.TriggerSpec{
		ID: "t1", Kind: store.TriggerManual, FlowID: "flow-1", Enabled: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	require.NoError(t, m.Reconcile(context.Background()))

	m.mu.Lock()
	_, ok := m.installed["t1"]
	m.mu.Unlock()
	assert.True(t, ok, "expected trigger t1 to be installed")
}

func TestReconcile_UninstallsDisabledTrigger(t *testing.T) {
	m, be := newTestManager(t)
	spec := &store.TriggerSpec{
		ID: "t1", Kind: store.TriggerManual, FlowID: "flow-1", Enabled: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, be.SaveTrigger(context.Background(), spec))
	require.NoError(t, m.Reconcile(context.Background()))

	spec.Enabled = false
	require.NoError(t, be.SaveTrigger(context.Background(), spec))
	require.NoError(t, m.Reconcile(context.Background()))

	m.mu.Lock()
	_, ok := m.installed["t1"]
	m.mu.Unlock()
	assert.False(t, ok, "expected trigger t1 to be uninstalled once disabled")
}

func TestReconcile_ReinstallsOnSpecUpdate(t *testing.T) {
	m, be := newTestManager(t)
	spec := &store.TriggerSpec{
		ID: "t1", Kind: store.TriggerManual, FlowID: "flow-1", Enabled: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, be.SaveTrigger(context.Background(), spec))
	require.NoError(t, m.Reconcile(context.Background()))

	m.mu.Lock()
	firstGen := m.installed["t1"].gen
	m.mu.Unlock()

	spec.UpdatedAt = spec.UpdatedAt.Add(time.Minute)
	require.NoError(t, be.SaveTrigger(context.Background(), spec))
	require.NoError(t, m.Reconcile(context.Background()))

	m.mu.Lock()
	secondGen := m.installed["t1"].gen
	m.mu.Unlock()
	assert.NotEqual(t, firstGen, secondGen, "an updated spec must get a fresh generation")
}

func TestFire_ManualTriggerEnqueuesRun(t *testing.T) {
	m, be := newTestManager(t)
	require.NoError(t, be.SaveTrigger(context.Background(), &store.TriggerSpec{
		ID: "t1", Kind: store.TriggerManual, FlowID: "flow-1", Enabled: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, m.Reconcile(context.Background()))

	require.NoError(t, m.Fire(context.Background(), "t1", map[string]any{"foo": "bar"}))

	runs, err := be.ListRuns(context.Background(), store.RunFilter{FlowID: "flow-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "t1", runs[0].Trigger.TriggerID)
}

func TestFire_UnknownTriggerReturnsNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Fire(context.Background(), "does-not-exist", nil)
	require.Error(t, err)
}

// TestURLTrigger_NavigationEnqueuesOnlyOnDomainMatch exercises the url
// trigger end to end: a safe-subdomain navigation enqueues a run
// carrying the source url, a lookalike-domain navigation enqueues
// nothing.
func TestURLTrigger_NavigationEnqueuesOnlyOnDomainMatch(t *testing.T) {
	m, be := newTestManager(t)
	require.NoError(t, be.SaveTrigger(context.Background(), &store.TriggerSpec{
		ID: "t1", Kind: store.TriggerURL, FlowID: "flow-1", Enabled: true,
		URLMatch:  &store.URLMatchRule{DomainSuffix: "example.com"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, m.Reconcile(context.Background()))

	m.NotifyNavigation(context.Background(), "tab-1", "https://notexample.com")
	runs, err := be.ListRuns(context.Background(), store.RunFilter{FlowID: "flow-1"})
	require.NoError(t, err)
	assert.Empty(t, runs, "a lookalike domain must not match a DomainSuffix rule")

	m.NotifyNavigation(context.Background(), "tab-1", "https://www.example.com/x")
	runs, err = be.ListRuns(context.Background(), store.RunFilter{FlowID: "flow-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunQueued, runs[0].Status)
	assert.Equal(t, "t1", runs[0].Trigger.TriggerID)
	assert.Equal(t, "https://www.example.com/x", runs[0].Trigger.SourceURL)

	events, err := be.ListEvents(context.Background(), runs[0].ID, store.EventListOpts{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventRunQueued, events[0].Kind)
}

func TestGenerationStaleness_OldClosureNeverFiresAfterReinstall(t *testing.T) {
	m, be := newTestManager(t)
	spec := &store.TriggerSpec{
		ID: "t1", Kind: store.TriggerManual, FlowID: "flow-1", Enabled: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, be.SaveTrigger(context.Background(), spec))
	require.NoError(t, m.Reconcile(context.Background()))

	m.mu.Lock()
	staleFire := m.installed["t1"].fire
	m.mu.Unlock()

	spec.UpdatedAt = spec.UpdatedAt.Add(time.Minute)
	require.NoError(t, be.SaveTrigger(context.Background(), spec))
	require.NoError(t, m.Reconcile(context.Background()))

	require.NoError(t, staleFire(context.Background(), nil))

	runs, err := be.ListRuns(context.Background(), store.RunFilter{FlowID: "flow-1"})
	require.NoError(t, err)
	assert.Empty(t, runs, "a stale closure from a superseded generation must not enqueue a run")
}

func TestMatchURL(t *testing.T) {
	cases := []struct {
		name string
		rule *store.URLMatchRule
		url  string
		want bool
	}{
		{"domain equals match", &store.URLMatchRule{DomainEquals: "example.com"}, "https://example.com/a", true},
		{"domain equals mismatch", &store.URLMatchRule{DomainEquals: "example.com"}, "https://other.com/a", false},
		{"domain suffix matches subdomain", &store.URLMatchRule{DomainSuffix: "example.com"}, "https://app.example.com/a", true},
		{"domain suffix matches bare domain", &store.URLMatchRule{DomainSuffix: "example.com"}, "https://example.com/a", true},
		{"domain suffix rejects lookalike", &store.URLMatchRule{DomainSuffix: "example.com"}, "https://notexample.com/a", false},
		{"path prefix match", &store.URLMatchRule{PathPrefix: "/checkout"}, "https://example.com/checkout/step1", true},
		{"path prefix mismatch", &store.URLMatchRule{PathPrefix: "/checkout"}, "https://example.com/cart", false},
		{"path glob single segment", &store.URLMatchRule{PathGlob: "orders/*"}, "https://example.com/orders/123", true},
		{"path glob does not cross segments", &store.URLMatchRule{PathGlob: "orders/*"}, "https://example.com/orders/123/edit", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, matchURL(tc.rule, tc.url))
		})
	}
}

func TestParseCron_RejectsNonZeroMinute(t *testing.T) {
	_, err := parseCron("5 * * * *")
	require.Error(t, err)
}

func TestParseCron_NextAdvancesToMatchingHour(t *testing.T) {
	expr, err := parseCron("0 9 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC)
	next := expr.next(from)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 31, next.Day())
}

func TestParseCron_NextSkipsToNextDayWhenHourPassed(t *testing.T) {
	expr, err := parseCron("0 9 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	next := expr.next(from)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 1, next.Day())
	assert.Equal(t, time.August, next.Month())
}

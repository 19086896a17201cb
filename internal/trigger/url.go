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
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	ilog "github.com/tombee/tabconductor/internal/log"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/plugin"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

// urlHandler fires when a tab navigates to an address matching its
// URLMatchRule. It has no listener of its own — it subscribes to the
// Manager's navigationHub, which the host feeds through
// Manager.NotifyNavigation.
type urlHandler struct {
	hub    *navigationHub
	spec   *store.TriggerSpec
	fire   func(ctx context.Context, args map[string]any) error
	logger *slog.Logger
}

func (m *Manager) urlHandlerFactory() plugin.TriggerHandlerFactory {
	return func(spec *store.TriggerSpec, fire func(context.Context, map[string]any) error) (plugin.TriggerHandler, error) {
		if spec.URLMatch == nil {
			return nil, rrerror.New(rrerror.CodeValidation, "url trigger requires urlMatch")
		}
		return &urlHandler{hub: m.nav, spec: spec, fire: fire, logger: m.logger}, nil
	}
}

func (u *urlHandler) Start(ctx context.Context) error {
	u.hub.subscribe(u)
	return nil
}

func (u *urlHandler) Stop() error {
	u.hub.unsubscribe(u)
	return nil
}

func (u *urlHandler) onNavigate(ctx context.Context, tabID, rawURL string) {
	if !matchURL(u.spec.URLMatch, rawURL) {
		return
	}
	if err := u.fire(ctx, map[string]any{"tabId": tabID, "url": rawURL}); err != nil {
		u.logger.Error("url trigger fire failed", ilog.Error(err), "trigger_id", u.spec.ID)
	}
}

// matchURL reports whether rawURL satisfies every non-empty field of
// rule. DomainSuffix matches the domain itself or any subdomain of it;
// PathGlob uses doublestar so a single "*" segment never crosses a "/",
// matching the "no regex" constraint with familiar shell-glob semantics.
func matchURL(rule *store.URLMatchRule, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())

	if rule.DomainEquals != "" && !strings.EqualFold(host, rule.DomainEquals) {
		return false
	}
	if rule.DomainSuffix != "" && !isDomainOrSubdomain(host, strings.ToLower(rule.DomainSuffix)) {
		return false
	}
	if rule.PathPrefix != "" && !strings.HasPrefix(parsed.Path, rule.PathPrefix) {
		return false
	}
	if rule.PathGlob != "" {
		matched, err := doublestar.Match(rule.PathGlob, strings.TrimPrefix(parsed.Path, "/"))
		if err != nil || !matched {
			return false
		}
	}
	return true
}

func isDomainOrSubdomain(host, suffix string) bool {
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

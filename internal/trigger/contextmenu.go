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

	ilog "github.com/tombee/tabconductor/internal/log"
	"github.com/tombee/tabconductor/internal/hostcap"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/plugin"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

// contextMenuHandler adds one host context-menu item on Start and
// removes it on Stop; a click invokes fire.
type contextMenuHandler struct {
	menus  hostcap.MenuHost
	itemID string
	title  string
	fire   func(ctx context.Context, args map[string]any) error
	logger *slog.Logger
}

func (m *Manager) contextMenuHandlerFactory(menus hostcap.MenuHost) plugin.TriggerHandlerFactory {
	return func(spec *store.TriggerSpec, fire func(context.Context, map[string]any) error) (plugin.TriggerHandler, error) {
		if spec.MenuTitle == "" {
			return nil, rrerror.New(rrerror.CodeValidation, "contextMenu trigger requires menuTitle")
		}
		return &contextMenuHandler{menus: menus, itemID: spec.ID, title: spec.MenuTitle, fire: fire, logger: m.logger}, nil
	}
}

func (h *contextMenuHandler) Start(ctx context.Context) error {
	return h.menus.AddItem(ctx, h.itemID, h.title, func() {
		if err := h.fire(ctx, nil); err != nil {
			h.logger.Error("contextMenu trigger fire failed", ilog.Error(err), "item_id", h.itemID)
		}
	})
}

func (h *contextMenuHandler) Stop() error {
	return h.menus.RemoveItem(context.Background(), h.itemID)
}

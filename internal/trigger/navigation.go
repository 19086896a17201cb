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
	"sync"
)

// navigationHub fans a tab-navigation event out to every installed url
// handler. The host has no standing subscription API of its own; it
// just calls Manager.NotifyNavigation whenever a tab navigates.
type navigationHub struct {
	mu       sync.Mutex
	handlers map[*urlHandler]struct{}
}

func newNavigationHub() *navigationHub {
	return &navigationHub{handlers: make(map[*urlHandler]struct{})}
}

func (h *navigationHub) subscribe(u *urlHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[u] = struct{}{}
}

func (h *navigationHub) unsubscribe(u *urlHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, u)
}

func (h *navigationHub) notify(ctx context.Context, tabID, rawURL string) {
	h.mu.Lock()
	handlers := make([]*urlHandler, 0, len(h.handlers))
	for u := range h.handlers {
		handlers = append(handlers, u)
	}
	h.mu.Unlock()

	for _, u := range handlers {
		u.onNavigate(ctx, tabID, rawURL)
	}
}

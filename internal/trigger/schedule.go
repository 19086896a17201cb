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
	"sync"
	"time"

	"github.com/tombee/tabconductor/internal/hostcap"
	ilog "github.com/tombee/tabconductor/internal/log"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/pkg/plugin"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

// cronHandler fires spec.CronExpr on a one-second poll loop, the same
// granularity this scheduler ticks at. The minute field is
// always 0, so checking once a second is far finer than required, but
// it keeps the loop identical in shape to the fallback interval/once
// timers below.
type cronHandler struct {
	expr   *cronExpr
	fire   func(ctx context.Context, args map[string]any) error
	logger *slog.Logger

	mu      sync.Mutex
	nextRun time.Time
	stop    context.CancelFunc
	done    chan struct{}
}

func (m *Manager) cronHandlerFactory() plugin.TriggerHandlerFactory {
	return func(spec *store.TriggerSpec, fire func(context.Context, map[string]any) error) (plugin.TriggerHandler, error) {
		expr, err := parseCron(spec.CronExpr)
		if err != nil {
			return nil, rrerror.Wrap(rrerror.CodeValidation, err, "invalid cron expression")
		}
		return &cronHandler{expr: expr, fire: fire, logger: m.logger}, nil
	}
}

func (h *cronHandler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	h.stop = cancel
	h.done = make(chan struct{})
	h.nextRun = h.expr.next(time.Now())
	go h.loop(runCtx)
	return nil
}

func (h *cronHandler) Stop() error {
	h.stop()
	<-h.done
	return nil
}

func (h *cronHandler) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.mu.Lock()
			due := !now.Before(h.nextRun)
			if due {
				h.nextRun = h.expr.next(now)
			}
			h.mu.Unlock()
			if due {
				if err := h.fire(ctx, nil); err != nil {
					h.logger.Error("cron trigger fire failed", ilog.Error(err))
				}
			}
		}
	}
}

// onceHandler fires exactly once at spec.FireAt, then stays idle until
// stopped. It is reinstalled (and so re-armed) whenever its spec's
// UpdatedAt changes, the same delta Manager.Reconcile uses for every
// other kind. When the host exposes hostcap.Alarms, scheduling is
// delegated to it (so the platform can wake a suspended host); absent
// that, a plain timer goroutine does the same job in-process.
type onceHandler struct {
	alarms hostcap.Alarms
	name   string
	fireAt time.Time
	fire   func(ctx context.Context, args map[string]any) error
	logger *slog.Logger
	stop   context.CancelFunc
	done   chan struct{}
}

func (m *Manager) onceHandlerFactory(alarms hostcap.Alarms) plugin.TriggerHandlerFactory {
	return func(spec *store.TriggerSpec, fire func(context.Context, map[string]any) error) (plugin.TriggerHandler, error) {
		if spec.FireAt == nil {
			return nil, rrerror.New(rrerror.CodeValidation, "once trigger requires fireAt")
		}
		return &onceHandler{alarms: alarms, name: "once:" + spec.ID, fireAt: *spec.FireAt, fire: fire, logger: m.logger}, nil
	}
}

func (h *onceHandler) Start(ctx context.Context) error {
	if h.alarms != nil {
		return h.alarms.Schedule(ctx, h.name, h.fireAt, 0, func() {
			if err := h.fire(ctx, nil); err != nil {
				h.logger.Error("once trigger fire failed", ilog.Error(err))
			}
		})
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.stop = cancel
	h.done = make(chan struct{})
	go h.loop(runCtx)
	return nil
}

func (h *onceHandler) Stop() error {
	if h.alarms != nil {
		return h.alarms.Cancel(context.Background(), h.name)
	}
	h.stop()
	<-h.done
	return nil
}

func (h *onceHandler) loop(ctx context.Context) {
	defer close(h.done)
	delay := time.Until(h.fireAt)
	if delay < 0 {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		if err := h.fire(ctx, nil); err != nil {
			h.logger.Error("once trigger fire failed", ilog.Error(err))
		}
	}
}

// intervalHandler fires every spec.IntervalMins minutes, starting one
// interval after install. Like onceHandler, it prefers hostcap.Alarms
// when the host provides it and falls back to an in-process ticker
// otherwise.
type intervalHandler struct {
	alarms hostcap.Alarms
	name   string
	period time.Duration
	fire   func(ctx context.Context, args map[string]any) error
	logger *slog.Logger
	stop   context.CancelFunc
	done   chan struct{}
}

func (m *Manager) intervalHandlerFactory(alarms hostcap.Alarms) plugin.TriggerHandlerFactory {
	return func(spec *store.TriggerSpec, fire func(context.Context, map[string]any) error) (plugin.TriggerHandler, error) {
		if spec.IntervalMins <= 0 {
			return nil, rrerror.New(rrerror.CodeValidation, "interval trigger requires a positive intervalMinutes")
		}
		period := time.Duration(spec.IntervalMins) * time.Minute
		return &intervalHandler{alarms: alarms, name: "interval:" + spec.ID, period: period, fire: fire, logger: m.logger}, nil
	}
}

func (h *intervalHandler) Start(ctx context.Context) error {
	if h.alarms != nil {
		return h.alarms.Schedule(ctx, h.name, time.Now().Add(h.period), h.period, func() {
			if err := h.fire(ctx, nil); err != nil {
				h.logger.Error("interval trigger fire failed", ilog.Error(err))
			}
		})
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.stop = cancel
	h.done = make(chan struct{})
	go h.loop(runCtx)
	return nil
}

func (h *intervalHandler) Stop() error {
	if h.alarms != nil {
		return h.alarms.Cancel(context.Background(), h.name)
	}
	h.stop()
	<-h.done
	return nil
}

func (h *intervalHandler) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.fire(ctx, nil); err != nil {
				h.logger.Error("interval trigger fire failed", ilog.Error(err))
			}
		}
	}
}

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

package runner

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/tabconductor/internal/tracing"
)

// safeStartRun starts a root span for a run, tolerating a nil tracer
// (tracing is optional) and recovering from any panic inside the
// OpenTelemetry SDK so a misbehaving exporter can never take a run down.
func safeStartRun(ctx context.Context, tracer trace.Tracer, runID, flowID string) (context.Context, *tracing.RunSpan) {
	if tracer == nil {
		return ctx, nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("panic during run span start", "error", r, "run_id", runID)
		}
	}()
	return tracing.StartRun(ctx, tracer, runID, flowID)
}

// safeStartNode starts a span for one node attempt.
func safeStartNode(ctx context.Context, tracer trace.Tracer, nodeID, kind string, attempt int) (context.Context, *tracing.RunSpan) {
	if tracer == nil {
		return ctx, nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("panic during node span start", "error", r, "node_id", nodeID)
		}
	}()
	return tracing.StartNode(ctx, tracer, nodeID, kind, attempt)
}

func safeEnd(span *tracing.RunSpan) {
	if span == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("panic during span end", "error", r)
		}
	}()
	span.End()
}

func safeRecordError(span *tracing.RunSpan, err error) {
	if span == nil || err == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("panic during span record error", "error", r)
		}
	}()
	span.RecordError(err)
}

func safeSetOK(span *tracing.RunSpan) {
	if span == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("panic during span set ok", "error", r)
		}
	}()
	span.SetOK()
}

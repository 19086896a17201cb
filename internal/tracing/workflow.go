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

// Package tracing wraps OpenTelemetry spans with helpers for the two
// span shapes the engine emits: one root span per run, one child span
// per node attempt.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RunSpan wraps an OpenTelemetry span for one run or node attempt.
type RunSpan struct {
	span trace.Span
}

// StartRun creates a root span for a run.
func StartRun(ctx context.Context, tracer trace.Tracer, runID, flowID string) (context.Context, *RunSpan) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("run: %s", flowID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.flow_id", flowID),
			attribute.String("span.type", "run"),
		),
	)
	return ctx, &RunSpan{span: span}
}

// StartNode creates a span for one node execution attempt.
func StartNode(ctx context.Context, tracer trace.Tracer, nodeID, kind string, attempt int) (context.Context, *RunSpan) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("node: %s", nodeID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.String("node.kind", kind),
			attribute.Int("node.attempt", attempt),
			attribute.String("span.type", "node"),
		),
	)
	return ctx, &RunSpan{span: span}
}

// SetAttributes adds key-value attributes to the span.
func (s *RunSpan) SetAttributes(attrs map[string]any) {
	if s == nil || s.span == nil {
		return
	}

	otelAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			otelAttrs = append(otelAttrs, attribute.String(k, val))
		case int:
			otelAttrs = append(otelAttrs, attribute.Int(k, val))
		case int64:
			otelAttrs = append(otelAttrs, attribute.Int64(k, val))
		case float64:
			otelAttrs = append(otelAttrs, attribute.Float64(k, val))
		case bool:
			otelAttrs = append(otelAttrs, attribute.Bool(k, val))
		default:
			otelAttrs = append(otelAttrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	s.span.SetAttributes(otelAttrs...)
}

// RecordError records an error and marks the span failed.
func (s *RunSpan) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// SetOK marks the span as having completed successfully.
func (s *RunSpan) SetOK() {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetStatus(codes.Ok, "")
}

// End marks the span as complete.
func (s *RunSpan) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}

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

package timeline

import (
	"strings"
	"testing"
	"time"

	"github.com/tombee/tabconductor/internal/store"
)

func TestRenderer_Render(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		events  []*store.RunEvent
		wantErr bool
		checks  []func(string) bool
	}{
		{
			name:  "single node",
			runID: "run-1",
			events: []*store.RunEvent{
				{RunID: "run-1", Seq: 1, Kind: store.EventNodeStarted, NodeID: "fetch_page", CreatedAt: base},
				{RunID: "run-1", Seq: 2, Kind: store.EventNodeSucceeded, NodeID: "fetch_page", CreatedAt: base.Add(100 * time.Millisecond)},
			},
			checks: []func(string) bool{
				func(s string) bool { return strings.Contains(s, "run-1") },
				func(s string) bool { return strings.Contains(s, "fetch_page") },
				func(s string) bool { return strings.Contains(s, StatusIconOK) },
			},
		},
		{
			name:  "retried node shows parent and attempt spans",
			runID: "run-2",
			events: []*store.RunEvent{
				{RunID: "run-2", Seq: 1, Kind: store.EventNodeStarted, NodeID: "click_submit", Attempt: 1, CreatedAt: base},
				{RunID: "run-2", Seq: 2, Kind: store.EventNodeFailed, NodeID: "click_submit", Attempt: 1, CreatedAt: base.Add(50 * time.Millisecond)},
				{RunID: "run-2", Seq: 3, Kind: store.EventNodeStarted, NodeID: "click_submit", Attempt: 2, CreatedAt: base.Add(60 * time.Millisecond)},
				{RunID: "run-2", Seq: 4, Kind: store.EventNodeSucceeded, NodeID: "click_submit", Attempt: 2, CreatedAt: base.Add(160 * time.Millisecond)},
			},
			checks: []func(string) bool{
				func(s string) bool { return strings.Contains(s, "click_submit") },
				func(s string) bool { return strings.Contains(s, "attempt 1") },
				func(s string) bool { return strings.Contains(s, "attempt 2") },
				func(s string) bool { return strings.Contains(s, "└─") },
			},
		},
		{
			name:  "failed node shows error icon",
			runID: "run-3",
			events: []*store.RunEvent{
				{RunID: "run-3", Seq: 1, Kind: store.EventNodeStarted, NodeID: "submit_form", CreatedAt: base},
				{RunID: "run-3", Seq: 2, Kind: store.EventNodeFailed, NodeID: "submit_form", CreatedAt: base.Add(50 * time.Millisecond), Error: "timeout"},
			},
			checks: []func(string) bool{
				func(s string) bool { return strings.Contains(s, StatusIconError) },
				func(s string) bool { return strings.Contains(s, "submit_form") },
			},
		},
		{
			name:  "skipped node shows skipped icon",
			runID: "run-4",
			events: []*store.RunEvent{
				{RunID: "run-4", Seq: 1, Kind: store.EventNodeStarted, NodeID: "optional_step", CreatedAt: base},
				{RunID: "run-4", Seq: 2, Kind: store.EventNodeSkipped, NodeID: "optional_step", CreatedAt: base.Add(5 * time.Millisecond)},
			},
			checks: []func(string) bool{
				func(s string) bool { return strings.Contains(s, StatusIconSkipped) },
			},
		},
		{
			name:    "empty events returns error",
			runID:   "empty",
			events:  []*store.RunEvent{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Renderer{Width: 100, BarWidth: 40}

			output, err := r.Render(tt.runID, tt.events)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Render() expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Errorf("Render() unexpected error: %v", err)
				return
			}

			for i, check := range tt.checks {
				if !check(output) {
					t.Errorf("Render() check %d failed\nOutput:\n%s", i, output)
				}
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "short string unchanged", input: "short", maxLen: 10, want: "short"},
		{name: "exact length unchanged", input: "exactly10c", maxLen: 10, want: "exactly10c"},
		{name: "long string truncated", input: "this is a very long string", maxLen: 10, want: "this is..."},
		{name: "maxLen <= 3 no ellipsis", input: "test", maxLen: 3, want: "tes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("truncate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name string
		dur  time.Duration
		want string
	}{
		{name: "microseconds", dur: 500 * time.Microsecond, want: "500µs"},
		{name: "milliseconds", dur: 150 * time.Millisecond, want: "150ms"},
		{name: "seconds", dur: 2500 * time.Millisecond, want: "2.5s"},
		{name: "minutes", dur: 90 * time.Second, want: "1.5m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatDuration(tt.dur)
			if got != tt.want {
				t.Errorf("formatDuration() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCalculateBounds(t *testing.T) {
	baseTime := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	spans := []TimelineSpan{
		{Name: "span1", StartTime: baseTime, EndTime: baseTime.Add(100 * time.Millisecond)},
		{Name: "span2", StartTime: baseTime.Add(50 * time.Millisecond), EndTime: baseTime.Add(200 * time.Millisecond)},
		{Name: "span3", StartTime: baseTime.Add(10 * time.Millisecond), EndTime: baseTime.Add(150 * time.Millisecond)},
	}

	r := &Renderer{Width: 100, BarWidth: 40}
	minTime, maxTime := r.calculateBounds(spans)

	if !minTime.Equal(baseTime) {
		t.Errorf("calculateBounds() minTime = %v, want %v", minTime, baseTime)
	}

	expectedMax := baseTime.Add(200 * time.Millisecond)
	if !maxTime.Equal(expectedMax) {
		t.Errorf("calculateBounds() maxTime = %v, want %v", maxTime, expectedMax)
	}
}

func TestRender_NarrowWidthDoesNotError(t *testing.T) {
	r := &Renderer{Width: MinTerminalWidth - 1, BarWidth: DefaultBarWidth}

	base := time.Now()
	_, err := r.Render("test", []*store.RunEvent{
		{RunID: "test", Seq: 1, Kind: store.EventNodeStarted, NodeID: "step", CreatedAt: base},
		{RunID: "test", Seq: 2, Kind: store.EventNodeSucceeded, NodeID: "step", CreatedAt: base.Add(100 * time.Millisecond)},
	})

	if err != nil {
		t.Errorf("Render() unexpected error on narrow width: %v", err)
	}
}

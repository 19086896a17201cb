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

// Package timeline renders a run's node-execution history as an ASCII
// timeline, for "tabconductorctl run get --timeline".
package timeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tombee/tabconductor/internal/store"
	"golang.org/x/term"
)

const (
	// MinTerminalWidth is the minimum supported terminal width
	MinTerminalWidth = 80
	// DefaultBarWidth is the default width for duration bars
	DefaultBarWidth = 40
	// StatusIconOK indicates successful completion
	StatusIconOK = "✓"
	// StatusIconError indicates failure
	StatusIconError = "✗"
	// StatusIconSkipped indicates the node was skipped (node.skipped)
	StatusIconSkipped = "○"
)

// NodeOutcome is the terminal state a node attempt's timeline span ended in.
type NodeOutcome string

const (
	NodeOutcomeOK      NodeOutcome = "ok"
	NodeOutcomeError   NodeOutcome = "error"
	NodeOutcomeSkipped NodeOutcome = "skipped"
)

// TimelineSpan represents a single node execution (or retry attempt) in
// timeline format, with the position information needed to draw its bar.
type TimelineSpan struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Status    NodeOutcome
	Level     int  // indentation level: 0 for a node, 1 for one of its retry attempts
	IsParent  bool // whether this span summarizes child attempt spans below it
}

// Renderer renders ASCII timelines from a run's event log.
type Renderer struct {
	Width    int
	BarWidth int
}

// NewRenderer creates a new timeline renderer with terminal width detection.
func NewRenderer() (*Renderer, error) {
	width, _, err := term.GetSize(0)
	if err != nil {
		// Default to 100 if detection fails
		width = 100
	}

	if width < MinTerminalWidth {
		return nil, fmt.Errorf("terminal width %d is too narrow (minimum %d columns)", width, MinTerminalWidth)
	}

	// Reserve space for labels, status, and borders.
	// Format: "│ node_name ██████░░░░  duration  status │"
	barWidth := width - 40
	if barWidth > 60 {
		barWidth = 60
	}
	if barWidth < DefaultBarWidth {
		barWidth = DefaultBarWidth
	}

	return &Renderer{
		Width:    width,
		BarWidth: barWidth,
	}, nil
}

// Render generates an ASCII timeline from a run's event log. Events not
// tied to a node (run.* and vars.patch) are ignored; everything else is
// grouped by node ID and, where a node retried, by attempt.
func (r *Renderer) Render(runID string, events []*store.RunEvent) (string, error) {
	if len(events) == 0 {
		return "", fmt.Errorf("no events to render")
	}

	spans := r.prepareSpans(events)
	if len(spans) == 0 {
		return "", fmt.Errorf("no node executions to render")
	}

	minTime, maxTime := r.calculateBounds(spans)
	totalDuration := maxTime.Sub(minTime)

	var sb strings.Builder

	border := strings.Repeat("─", r.Width-2)
	sb.WriteString("┌" + border + "┐\n")

	header := fmt.Sprintf("│ Run: %-*s Total: %s  │\n",
		r.Width-24,
		truncate(runID, r.Width-24),
		formatDuration(totalDuration))
	sb.WriteString(header)

	sb.WriteString("├" + border + "┤\n")

	for _, span := range spans {
		sb.WriteString(r.renderSpan(span, minTime, totalDuration))
	}

	sb.WriteString("└" + border + "┘\n")

	return sb.String(), nil
}

// nodeAttempt accumulates the started/finished pair of events for one
// (nodeID, attempt) key as the event log is scanned.
type nodeAttempt struct {
	start   time.Time
	end     time.Time
	outcome NodeOutcome
	hasEnd  bool
}

// nodeGroup accumulates every attempt seen for a single node, in the
// order attempt numbers first appeared.
type nodeGroup struct {
	attempts     map[int]*nodeAttempt
	attemptOrder []int
}

// prepareSpans groups a run's event log by node (and, for retried nodes,
// by attempt) and produces the ordered, positioned spans Render draws.
func (r *Renderer) prepareSpans(events []*store.RunEvent) []TimelineSpan {
	groups := make(map[string]*nodeGroup)
	var nodeOrder []string

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}
		g, ok := groups[e.NodeID]
		if !ok {
			g = &nodeGroup{attempts: make(map[int]*nodeAttempt)}
			groups[e.NodeID] = g
			nodeOrder = append(nodeOrder, e.NodeID)
		}
		a, ok := g.attempts[e.Attempt]
		if !ok {
			a = &nodeAttempt{}
			g.attempts[e.Attempt] = a
			g.attemptOrder = append(g.attemptOrder, e.Attempt)
		}
		switch e.Kind {
		case store.EventNodeStarted:
			a.start = e.CreatedAt
		case store.EventNodeSucceeded:
			a.end, a.outcome, a.hasEnd = e.CreatedAt, NodeOutcomeOK, true
		case store.EventNodeFailed:
			a.end, a.outcome, a.hasEnd = e.CreatedAt, NodeOutcomeError, true
		case store.EventNodeSkipped:
			a.end, a.outcome, a.hasEnd = e.CreatedAt, NodeOutcomeSkipped, true
		}
	}

	var result []TimelineSpan
	for _, nodeID := range nodeOrder {
		g := groups[nodeID]
		sort.Ints(g.attemptOrder)

		var attemptSpans []TimelineSpan
		var nodeStart, nodeEnd time.Time
		finalOutcome := NodeOutcomeOK

		multi := len(g.attemptOrder) > 1
		for _, attemptNum := range g.attemptOrder {
			a := g.attempts[attemptNum]
			if a.start.IsZero() {
				continue
			}
			end := a.end
			if !a.hasEnd {
				end = a.start
			}
			if nodeStart.IsZero() || a.start.Before(nodeStart) {
				nodeStart = a.start
			}
			if end.After(nodeEnd) {
				nodeEnd = end
			}
			finalOutcome = a.outcome

			name := nodeID
			level := 0
			if multi {
				name = fmt.Sprintf("attempt %d", attemptNum)
				level = 1
			}
			attemptSpans = append(attemptSpans, TimelineSpan{
				Name:      name,
				StartTime: a.start,
				EndTime:   end,
				Duration:  end.Sub(a.start),
				Status:    a.outcome,
				Level:     level,
			})
		}
		if len(attemptSpans) == 0 {
			continue
		}

		if multi {
			result = append(result, TimelineSpan{
				Name:      nodeID,
				StartTime: nodeStart,
				EndTime:   nodeEnd,
				Duration:  nodeEnd.Sub(nodeStart),
				Status:    finalOutcome,
				Level:     0,
				IsParent:  true,
			})
		}
		result = append(result, attemptSpans...)
	}

	return result
}

// calculateBounds finds the earliest start and latest end time across all spans.
func (r *Renderer) calculateBounds(spans []TimelineSpan) (time.Time, time.Time) {
	if len(spans) == 0 {
		return time.Now(), time.Now()
	}

	minTime := spans[0].StartTime
	maxTime := spans[0].EndTime

	for _, span := range spans {
		if span.StartTime.Before(minTime) {
			minTime = span.StartTime
		}
		if span.EndTime.After(maxTime) {
			maxTime = span.EndTime
		}
	}

	return minTime, maxTime
}

// renderSpan generates a timeline line for a single span.
func (r *Renderer) renderSpan(span TimelineSpan, minTime time.Time, totalDuration time.Duration) string {
	// Calculate bar position and length
	startOffset := span.StartTime.Sub(minTime)
	startPos := int(float64(startOffset) / float64(totalDuration) * float64(r.BarWidth))
	barLength := int(float64(span.Duration) / float64(totalDuration) * float64(r.BarWidth))

	if barLength < 1 {
		barLength = 1
	}
	if startPos+barLength > r.BarWidth {
		barLength = r.BarWidth - startPos
	}

	// Build the timeline bar
	bar := make([]rune, r.BarWidth)
	for i := 0; i < r.BarWidth; i++ {
		if i >= startPos && i < startPos+barLength {
			bar[i] = '█'
		} else {
			bar[i] = '░'
		}
	}

	statusIcon := StatusIconOK
	switch span.Status {
	case NodeOutcomeError:
		statusIcon = StatusIconError
	case NodeOutcomeSkipped:
		statusIcon = StatusIconSkipped
	}

	// Format name with indentation
	indent := strings.Repeat("  ", span.Level)
	prefix := ""
	if span.Level > 0 {
		prefix = "└─ "
	}

	nameWidth := 20 - len(indent) - len(prefix)
	if nameWidth < 10 {
		nameWidth = 10
	}
	name := truncate(span.Name, nameWidth)

	line := fmt.Sprintf("│ %s%s%-*s %s  %6s  %s │\n",
		indent,
		prefix,
		nameWidth,
		name,
		string(bar),
		formatDuration(span.Duration),
		statusIcon,
	)

	return line
}

// truncate shortens a string to maxLen with ellipsis if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

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

package debugger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_CheckPausesAtBreakpoint(t *testing.T) {
	r := New()
	r.Seed("run-1", []string{"nodeB"}, false)

	pause, reason := r.Check("run-1", "nodeA")
	assert.False(t, pause)

	pause, reason = r.Check("run-1", "nodeB")
	assert.True(t, pause)
	assert.Equal(t, "breakpoint", reason)
}

func TestRegistry_PauseOnStartFiresOnlyOnce(t *testing.T) {
	r := New()
	r.Seed("run-1", nil, true)

	pause, reason := r.Check("run-1", "nodeA")
	assert.True(t, pause)
	assert.Equal(t, "breakpoint", reason)

	pause, _ = r.Check("run-1", "nodeB")
	assert.False(t, pause, "pauseOnStart must not fire past the first node")
}

func TestRegistry_StepArmedIsOneShot(t *testing.T) {
	r := New()
	r.Seed("run-1", nil, false)
	r.ArmStep("run-1")

	pause, reason := r.Check("run-1", "nodeA")
	assert.True(t, pause)
	assert.Equal(t, "step", reason)

	pause, _ = r.Check("run-1", "nodeB")
	assert.False(t, pause, "step mode must disarm after firing once")
}

func TestRegistry_AddAndRemoveBreakpoint(t *testing.T) {
	r := New()
	r.Seed("run-1", nil, false)

	r.AddBreakpoint("run-1", "nodeX")
	pause, _ := r.Check("run-1", "nodeX")
	assert.True(t, pause)

	r.RemoveBreakpoint("run-1", "nodeX")
	pause, _ = r.Check("run-1", "nodeX")
	assert.False(t, pause)
}

func TestRegistry_SetBreakpointsReplacesSet(t *testing.T) {
	r := New()
	r.Seed("run-1", []string{"nodeA"}, false)
	r.SetBreakpoints("run-1", []string{"nodeB"})

	pause, _ := r.Check("run-1", "nodeA")
	assert.False(t, pause)
	pause, _ = r.Check("run-1", "nodeB")
	assert.True(t, pause)
}

func TestRegistry_StateReportsSortedBreakpointsAndStepArmed(t *testing.T) {
	r := New()
	r.Seed("run-1", []string{"nodeB", "nodeA"}, false)
	r.ArmStep("run-1")

	breakpoints, stepArmed := r.State("run-1")
	assert.Equal(t, []string{"nodeA", "nodeB"}, breakpoints)
	assert.True(t, stepArmed)
}

func TestRegistry_ClearDropsRunState(t *testing.T) {
	r := New()
	r.Seed("run-1", []string{"nodeA"}, false)
	r.Clear("run-1")

	pause, _ := r.Check("run-1", "nodeA")
	assert.False(t, pause, "a cleared run must never pause")

	breakpoints, _ := r.State("run-1")
	assert.Nil(t, breakpoints)
}

func TestRegistry_UnseededRunNeverPauses(t *testing.T) {
	r := New()
	pause, _ := r.Check("no-such-run", "nodeA")
	assert.False(t, pause)
}

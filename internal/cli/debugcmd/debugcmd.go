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

// Package debugcmd implements "tabconductorctl debug": an interactive
// shell that attaches to a run, steps it node by node, and inspects its
// variables through the daemon's debug RPC method.
package debugcmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/tabconductor/internal/cli"
	"github.com/tombee/tabconductor/internal/debugger"
	"github.com/tombee/tabconductor/internal/rpcclient"
	"github.com/tombee/tabconductor/internal/store"
)

// NewCommand creates the "debug" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug <run-id>",
		Short: "Attach an interactive debugger to a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			sh := &shell{
				client: client,
				runID:  args[0],
				input:  cmd.InOrStdin(),
				output: cmd.OutOrStdout(),
			}
			return sh.run(cmd.Context())
		},
	}
	return cmd
}

// shell is the tabconductorctl-side half of the interactive debug REPL:
// it drives the daemon's Controller entirely through RPC, subscribing
// to the run's event stream to know when execution pauses again.
type shell struct {
	client *rpcclient.Client
	runID  string
	input  io.Reader
	output io.Writer
}

func (s *shell) run(ctx context.Context) error {
	var state debugger.DebuggerState
	if err := s.client.Call(ctx, "debug", map[string]any{"command": "attach", "runId": s.runID}, &state); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer func() {
		_ = s.client.Call(context.Background(), "debug", map[string]any{"command": "detach", "runId": s.runID}, nil)
	}()

	events, unsub, err := s.client.Subscribe(s.runID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer unsub()

	s.displayState(&state)
	scanner := bufio.NewScanner(s.input)

	for {
		if state.Status != "paused" {
			fmt.Fprintln(s.output, "waiting for the run to pause...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if isPauseEvent(e) {
					if err := s.client.Call(ctx, "debug", map[string]any{"command": "getState", "runId": s.runID}, &state); err != nil {
						return err
					}
					s.displayState(&state)
				}
				if isTerminalEvent(e) {
					fmt.Fprintf(s.output, "run finished: %s\n", e.Kind)
					return nil
				}
				continue
			}
		}

		fmt.Fprint(s.output, "debug> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		done, err := s.handleCommand(ctx, line, &state)
		if err != nil {
			fmt.Fprintf(s.output, "error: %v\n", err)
			continue
		}
		if done {
			return nil
		}
	}
}

func (s *shell) handleCommand(ctx context.Context, line string, state *debugger.DebuggerState) (bool, error) {
	fields := strings.Fields(line)
	cmdName := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmdName {
	case "c", "continue":
		if err := s.client.Call(ctx, "debug", map[string]any{"command": "resume", "runId": s.runID}, nil); err != nil {
			return false, err
		}
		state.Status = "running"
		return false, nil

	case "n", "next", "step":
		if err := s.client.Call(ctx, "debug", map[string]any{"command": "stepOver", "runId": s.runID}, nil); err != nil {
			return false, err
		}
		if err := s.refreshState(ctx, state); err != nil {
			return false, err
		}
		s.displayState(state)
		return false, nil

	case "b", "break":
		if len(args) == 0 {
			return false, fmt.Errorf("break requires a node id")
		}
		if err := s.client.Call(ctx, "debug", map[string]any{"command": "addBreakpoint", "runId": s.runID, "nodeId": args[0]}, nil); err != nil {
			return false, err
		}
		if err := s.refreshState(ctx, state); err != nil {
			return false, err
		}
		fmt.Fprintf(s.output, "breakpoint set on %s\n", args[0])
		return false, nil

	case "unbreak":
		if len(args) == 0 {
			return false, fmt.Errorf("unbreak requires a node id")
		}
		if err := s.client.Call(ctx, "debug", map[string]any{"command": "removeBreakpoint", "runId": s.runID, "nodeId": args[0]}, nil); err != nil {
			return false, err
		}
		if err := s.refreshState(ctx, state); err != nil {
			return false, err
		}
		fmt.Fprintf(s.output, "breakpoint removed from %s\n", args[0])
		return false, nil

	case "v", "var":
		if len(args) == 0 {
			return false, fmt.Errorf("var requires a name")
		}
		var value any
		if err := s.client.Call(ctx, "debug", map[string]any{"command": "getVar", "runId": s.runID, "name": args[0]}, &value); err != nil {
			return false, err
		}
		out, _ := json.MarshalIndent(value, "", "  ")
		fmt.Fprintf(s.output, "%s = %s\n", args[0], string(out))
		return false, nil

	case "set":
		if len(args) < 2 {
			return false, fmt.Errorf("set requires a name and a JSON value")
		}
		var value any
		if err := json.Unmarshal([]byte(strings.Join(args[1:], " ")), &value); err != nil {
			return false, fmt.Errorf("parse value: %w", err)
		}
		if err := s.client.Call(ctx, "debug", map[string]any{"command": "setVar", "runId": s.runID, "name": args[0], "value": value}, nil); err != nil {
			return false, err
		}
		fmt.Fprintf(s.output, "%s set\n", args[0])
		return false, nil

	case "ctx", "state":
		s.displayState(state)
		return false, nil

	case "a", "abort", "quit":
		if err := s.client.Call(ctx, "cancelRun", map[string]string{"id": s.runID}, nil); err != nil {
			return false, err
		}
		fmt.Fprintln(s.output, "run canceled")
		return true, nil

	case "h", "help", "?":
		s.showHelp()
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (type 'help' for commands)", cmdName)
	}
}

// refreshState re-fetches the debugger's current snapshot in place,
// since several debug subcommands (stepOver, addBreakpoint,
// removeBreakpoint) return no result of their own.
func (s *shell) refreshState(ctx context.Context, state *debugger.DebuggerState) error {
	return s.client.Call(ctx, "debug", map[string]any{"command": "getState", "runId": s.runID}, state)
}

func (s *shell) displayState(state *debugger.DebuggerState) {
	fmt.Fprintln(s.output, "───────────────────────────────────────────────────────────")
	fmt.Fprintf(s.output, "run %s  status=%s  node=%s\n", state.RunID, state.Status, state.CurrentNodeID)
	if len(state.Breakpoints) > 0 {
		fmt.Fprintf(s.output, "breakpoints: %s\n", strings.Join(state.Breakpoints, ", "))
	}
	fmt.Fprintln(s.output, "───────────────────────────────────────────────────────────")
}

func (s *shell) showHelp() {
	fmt.Fprint(s.output, `
Debug Commands:
  continue, c          Resume execution until the next breakpoint
  next, n              Step over the current node
  break <node>, b       Set a breakpoint on a node
  unbreak <node>        Remove a breakpoint
  var <name>, v         Show a run variable's value
  set <name> <json>     Set a run variable's value
  state, ctx             Show the debugger's current state
  abort, a               Cancel the run and exit
  help, h, ?             Show this help message

`)
}

func isPauseEvent(e *store.RunEvent) bool {
	return e.Kind == store.EventRunPaused || e.Kind == store.EventNodeSucceeded || e.Kind == store.EventNodeFailed
}

func isTerminalEvent(e *store.RunEvent) bool {
	switch e.Kind {
	case store.EventRunSucceeded, store.EventRunFailed, store.EventRunCanceled:
		return true
	default:
		return false
	}
}

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

// Package runcmd implements "tabconductorctl run": starting, listing,
// inspecting, canceling, pausing, and resuming workflow runs, plus
// tailing or rendering a run's event history.
package runcmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/tabconductor/internal/cli"
	"github.com/tombee/tabconductor/internal/cli/timeline"
	"github.com/tombee/tabconductor/internal/store"
)

// NewCommand creates the "run" command and its subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start, inspect, and control workflow runs",
	}
	cmd.AddCommand(
		newStartCommand(),
		newListCommand(),
		newGetCommand(),
		newCancelCommand(),
		newPauseCommand(),
		newResumeCommand(),
		newEventsCommand(),
	)
	return cmd
}

func newStartCommand() *cobra.Command {
	var startNode string
	var priority int
	var maxAttempts int
	var debug bool
	var argsJSON string

	c := &cobra.Command{
		Use:   "start <flow-id>",
		Short: "Enqueue a run of a saved flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			var runArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &runArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]any{
				"flowId":      cmdArgs[0],
				"startNodeId": startNode,
				"args":        runArgs,
				"priority":    priority,
				"maxAttempts": maxAttempts,
			}
			if debug {
				params["debug"] = &store.DebugConfig{PauseOnStart: true}
			}
			var res struct {
				RunID    string `json:"runId"`
				Position int    `json:"position"`
			}
			if err := client.Call(cmd.Context(), "enqueueRun", params, &res); err != nil {
				return err
			}
			return printResult(cmd, "run start", &res)
		},
	}
	c.Flags().StringVar(&startNode, "start-node", "", "Node ID to start from (default: flow entry node)")
	c.Flags().IntVar(&priority, "priority", 0, "Queue priority, higher runs first")
	c.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Override the run's default retry budget")
	c.Flags().BoolVar(&debug, "debug", false, "Start paused, attached to the debugger")
	c.Flags().StringVar(&argsJSON, "args", "", "JSON object of input variables")
	return c
}

func newListCommand() *cobra.Command {
	var flowID, status string
	var limit, offset int

	c := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]any{"flowId": flowID, "status": status, "limit": limit, "offset": offset}
			var runs []*store.RunRecord
			if err := client.Call(cmd.Context(), "listRuns", params, &runs); err != nil {
				return err
			}
			return printResult(cmd, "run list", runs)
		},
	}
	c.Flags().StringVar(&flowID, "flow-id", "", "Filter by flow ID")
	c.Flags().StringVar(&status, "status", "", "Filter by status")
	c.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs to return")
	c.Flags().IntVar(&offset, "offset", 0, "Number of runs to skip")
	return c
}

func newGetCommand() *cobra.Command {
	var showTimeline bool

	c := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var run store.RunRecord
			if err := client.Call(cmd.Context(), "getRun", map[string]string{"id": args[0]}, &run); err != nil {
				return err
			}

			if !showTimeline {
				return printResult(cmd, "run get", &run)
			}

			var events []*store.RunEvent
			if err := client.Call(cmd.Context(), "getEvents", map[string]any{"runId": args[0]}, &events); err != nil {
				return err
			}
			r, err := timeline.NewRenderer()
			if err != nil {
				return err
			}
			out, err := r.Render(args[0], events)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	c.Flags().BoolVar(&showTimeline, "timeline", false, "Render the run's node execution history as a timeline")
	return c
}

func newCancelCommand() *cobra.Command {
	return controlCommand("cancel", "cancelRun", "Cancel a run")
}

func newPauseCommand() *cobra.Command {
	return controlCommand("pause", "pauseRun", "Pause a running run")
}

func newResumeCommand() *cobra.Command {
	return controlCommand("resume", "resumeRun", "Resume a paused run")
}

func controlCommand(use, method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Call(cmd.Context(), method, map[string]string{"id": args[0]}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", use, args[0])
			return nil
		},
	}
}

func newEventsCommand() *cobra.Command {
	var fromSeq, limit int
	var follow bool

	c := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show or tail a run's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]any{"runId": runID, "fromSeq": fromSeq, "limit": limit}
			var events []*store.RunEvent
			if err := client.Call(cmd.Context(), "getEvents", params, &events); err != nil {
				return err
			}
			for _, e := range events {
				printEvent(cmd, e)
			}

			if !follow {
				return nil
			}

			ch, unsub, err := client.Subscribe(runID)
			if err != nil {
				return err
			}
			defer unsub()

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case e, ok := <-ch:
					if !ok {
						return nil
					}
					printEvent(cmd, e)
				}
			}
		},
	}
	c.Flags().IntVar(&fromSeq, "from-seq", 0, "Return events with seq greater than this")
	c.Flags().IntVar(&limit, "limit", 0, "Maximum number of events to return")
	c.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new events as they occur")
	return c
}

func printEvent(cmd *cobra.Command, e *store.RunEvent) {
	if cli.GetJSON() {
		out, err := json.Marshal(e)
		if err == nil {
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
		}
		return
	}
	if e.NodeID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] seq=%d %s node=%s attempt=%d\n", e.CreatedAt.Format("15:04:05.000"), e.Seq, e.Kind, e.NodeID, e.Attempt)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] seq=%d %s\n", e.CreatedAt.Format("15:04:05.000"), e.Seq, e.Kind)
	}
}

func printResult(cmd *cobra.Command, command string, v any) error {
	if cli.GetJSON() {
		resp := struct {
			cli.JSONResponse
			Data any `json:"data"`
		}{
			JSONResponse: cli.JSONResponse{Version: "1.0", Command: command, Success: true},
			Data:         v,
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

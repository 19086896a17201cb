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

// Package queuecmd implements "tabconductorctl queue": inspecting and
// canceling runs waiting in the durable run queue.
package queuecmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/tabconductor/internal/cli"
	"github.com/tombee/tabconductor/internal/store"
)

// NewCommand creates the "queue" command and its subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and cancel queued run items",
	}
	cmd.AddCommand(newListCommand(), newCancelCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var flowID string

	c := &cobra.Command{
		Use:   "list",
		Short: "List items waiting in the run queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var items []*store.QueueItem
			if err := client.Call(cmd.Context(), "listQueue", nil, &items); err != nil {
				return err
			}

			// listQueue returns every item regardless of flow; the server
			// has no filter for this, so narrow it down here.
			if flowID != "" {
				filtered := items[:0]
				for _, item := range items {
					if item.FlowID == flowID {
						filtered = append(filtered, item)
					}
				}
				items = filtered
			}
			return printResult(cmd, "queue list", items)
		},
	}
	c.Flags().StringVar(&flowID, "flow-id", "", "Filter by flow ID")
	return c
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <queue-item-id>",
		Short: "Cancel a queued run before it starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Call(cmd.Context(), "cancelQueueItem", map[string]string{"id": args[0]}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canceled queue item %s\n", args[0])
			return nil
		},
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

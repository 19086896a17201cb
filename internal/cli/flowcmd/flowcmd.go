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

// Package flowcmd implements "tabconductorctl flow": saving, listing,
// inspecting, deleting, and watching workflow graphs on a running
// tabconductord.
package flowcmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/tabconductor/internal/cli"
	"github.com/tombee/tabconductor/internal/graph"
)

// NewCommand creates the "flow" command and its subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Manage saved workflow graphs",
	}
	cmd.AddCommand(newListCommand(), newGetCommand(), newSaveCommand(), newDeleteCommand(), newWatchCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var tag string
	var limit int

	c := &cobra.Command{
		Use:   "list",
		Short: "List saved flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var flows []*graph.Flow
			if err := client.Call(cmd.Context(), "listFlows", map[string]any{"tag": tag, "limit": limit}, &flows); err != nil {
				return err
			}
			return printResult(cmd, "flow list", flows)
		},
	}
	c.Flags().StringVar(&tag, "tag", "", "Filter by tag")
	c.Flags().IntVar(&limit, "limit", 0, "Maximum number of flows to return")
	return c
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <flow-id>",
		Short: "Show a saved flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var flow graph.Flow
			if err := client.Call(cmd.Context(), "getFlow", map[string]string{"id": args[0]}, &flow); err != nil {
				return err
			}
			return printResult(cmd, "flow get", &flow)
		},
	}
}

func newSaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "save <file>",
		Short: "Save a flow from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flow, err := loadFlowFile(args[0])
			if err != nil {
				return err
			}

			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var saved graph.Flow
			if err := client.Call(cmd.Context(), "saveFlow", flow, &saved); err != nil {
				return err
			}
			return printResult(cmd, "flow save", &saved)
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <flow-id>",
		Short: "Delete a saved flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Call(cmd.Context(), "deleteFlow", map[string]string{"id": args[0]}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted flow %s\n", args[0])
			return nil
		},
	}
}

// newWatchCommand watches a directory of flow definition files and
// pushes each create/write to the daemon via saveFlow, so a flow author
// can iterate on a YAML file locally without re-running "flow save".
func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir>",
		Short: "Watch a directory of flow files and save on change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer watcher.Close()

			if err := watcher.Add(dir); err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}

			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "watching %s for flow changes (ctrl-c to stop)\n", dir)

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case ev, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					if !isFlowFile(ev.Name) {
						continue
					}
					flow, err := loadFlowFile(ev.Name)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "skip %s: %v\n", ev.Name, err)
						continue
					}
					var saved graph.Flow
					if err := client.Call(cmd.Context(), "saveFlow", flow, &saved); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "save %s failed: %v\n", ev.Name, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "saved %s from %s\n", saved.ID, ev.Name)
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
				}
			}
		},
	}
}

func isFlowFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

func loadFlowFile(path string) (*graph.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var flow graph.Flow
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &flow); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &flow); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return &flow, nil
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

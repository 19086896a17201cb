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

package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root Cobra command for tabconductorctl.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tabconductorctl",
		Short: "tabconductorctl - browser workflow engine control",
		Long: `tabconductorctl drives a running tabconductord instance: it saves and
runs workflow graphs, inspects and cancels queued or active runs, manages
triggers, and attaches an interactive debugger to a run in progress.

Run 'tabconductorctl flow list' to see saved workflows.
Run 'tabconductorctl run start <flow-id>' to enqueue one.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	verbose, quiet, json, config := RegisterFlagPointers()
	addr, token := RegisterConnectionFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: none; built-in defaults and environment only)")
	cmd.PersistentFlags().StringVar(addr, "addr", "", "tabconductord address (default: config listen.tcp_addr, or 127.0.0.1:9876)")
	cmd.PersistentFlags().StringVar(token, "auth-token", "", "Auth token for the daemon (default: $TABCONDUCTOR_AUTH_TOKEN)")

	return cmd
}

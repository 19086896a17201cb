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

/*
Package cli provides the root command and shared configuration for
tabconductorctl, the CLI that drives a running tabconductord instance.

This package creates the main Cobra command tree and handles global concerns
like version information, persistent flags, and error handling. Individual
commands live in their own packages under internal/cli (flowcmd, runcmd,
queuecmd, triggercmd, debugcmd, versioncmd).

# Command Tree

The CLI is organized as:

	tabconductorctl
	├── flow          Save, list, inspect, delete, and watch workflow graphs
	├── run           Start, list, inspect, cancel, pause, and resume runs
	├── queue         Inspect and cancel queued run items
	├── trigger       Create, list, update, fire, and delete triggers
	├── debug         Attach an interactive debugger to a run
	├── version       Show version
	└── help          Show help

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	// ... add commands ...
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

All commands inherit these flags:

	--verbose, -v    Enable verbose output
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file

# Error Handling

Errors are handled centrally to ensure proper exit codes:

  - Exit 0: Success
  - Exit 1: General error
  - Exit 2: Validation, unsupported-node, or DAG error
  - Exit 3: Not found
  - Exit 4: Timeout
  - Exit 5: Control error, canceled or paused run, or daemon unreachable

Use HandleExitError for consistent error handling:

	if err := cmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Command Registration

Subcommands are built by cmd/tabconductorctl and attached to the root command
directly:

	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(flowcmd.NewCommand())
	rootCmd.AddCommand(runcmd.NewCommand())
	rootCmd.AddCommand(queuecmd.NewCommand())
*/
package cli

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

// Command tabconductorctl drives a running tabconductord instance over
// its RPC surface: saving and running workflow graphs, inspecting and
// canceling queued or active runs, managing triggers, and attaching an
// interactive debugger to a run in progress.
package main

import (
	"github.com/tombee/tabconductor/internal/cli"
	"github.com/tombee/tabconductor/internal/cli/debugcmd"
	"github.com/tombee/tabconductor/internal/cli/flowcmd"
	"github.com/tombee/tabconductor/internal/cli/queuecmd"
	"github.com/tombee/tabconductor/internal/cli/runcmd"
	"github.com/tombee/tabconductor/internal/cli/triggercmd"
	"github.com/tombee/tabconductor/internal/cli/versioncmd"
)

// Version information, injected via ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	rootCmd.AddCommand(flowcmd.NewCommand())
	rootCmd.AddCommand(runcmd.NewCommand())
	rootCmd.AddCommand(queuecmd.NewCommand())
	rootCmd.AddCommand(triggercmd.NewCommand())
	rootCmd.AddCommand(debugcmd.NewCommand())
	rootCmd.AddCommand(versioncmd.NewCommand())

	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}

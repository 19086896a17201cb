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

// Package triggercmd implements "tabconductorctl trigger": creating,
// updating, inspecting, enabling/disabling, and manually firing the
// activation rules that enqueue runs of a flow.
package triggercmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/AlecAivazis/survey/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/tabconductor/internal/cli"
	"github.com/tombee/tabconductor/internal/store"
)

// NewCommand creates the "trigger" command and its subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Manage run triggers",
	}
	cmd.AddCommand(
		newCreateCommand(),
		newUpdateCommand(),
		newGetCommand(),
		newListCommand(),
		newDeleteCommand(),
		newEnableCommand(),
		newDisableCommand(),
		newFireCommand(),
	)
	return cmd
}

func newListCommand() *cobra.Command {
	var kind, flowID string
	var enabledOnly bool

	c := &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]any{"kind": kind, "flowId": flowID}
			if enabledOnly {
				params["enabled"] = true
			}
			var triggers []*store.TriggerSpec
			if err := client.Call(cmd.Context(), "listTriggers", params, &triggers); err != nil {
				return err
			}
			return printResult(cmd, "trigger list", triggers)
		},
	}
	c.Flags().StringVar(&kind, "kind", "", "Filter by trigger kind")
	c.Flags().StringVar(&flowID, "flow-id", "", "Filter by flow ID")
	c.Flags().BoolVar(&enabledOnly, "enabled-only", false, "Only show enabled triggers")
	return c
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <trigger-id>",
		Short: "Show a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var t store.TriggerSpec
			if err := client.Call(cmd.Context(), "getTrigger", map[string]string{"id": args[0]}, &t); err != nil {
				return err
			}
			return printResult(cmd, "trigger get", &t)
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <trigger-id>",
		Short: "Delete a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Call(cmd.Context(), "deleteTrigger", map[string]string{"id": args[0]}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted trigger %s\n", args[0])
			return nil
		},
	}
}

func newEnableCommand() *cobra.Command {
	return toggleCommand("enable", "enableTrigger", "Enable a trigger")
}

func newDisableCommand() *cobra.Command {
	return toggleCommand("disable", "disableTrigger", "Disable a trigger")
}

func toggleCommand(use, method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <trigger-id>",
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
			fmt.Fprintf(cmd.OutOrStdout(), "%sd trigger %s\n", use, args[0])
			return nil
		},
	}
}

func newFireCommand() *cobra.Command {
	var argsJSON string

	c := &cobra.Command{
		Use:   "fire <trigger-id>",
		Short: "Manually fire a trigger, enqueuing a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fireArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &fireArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var run store.RunRecord
			if err := client.Call(cmd.Context(), "fireTrigger", map[string]any{"id": args[0], "args": fireArgs}, &run); err != nil {
				return err
			}
			return printResult(cmd, "trigger fire", &run)
		},
	}
	c.Flags().StringVar(&argsJSON, "args", "", "JSON object merged over the trigger's own args")
	return c
}

// newUpdateCommand fetches the trigger, applies the flags given, and
// sends the merged spec back — updateTrigger replaces the stored record
// wholesale, so a partial payload would drop every unset field.
func newUpdateCommand() *cobra.Command {
	var cronExpr string
	var intervalMins int
	var enabled bool
	var setEnabled bool

	c := &cobra.Command{
		Use:   "update <trigger-id>",
		Short: "Update a trigger's schedule or enabled state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var t store.TriggerSpec
			if err := client.Call(cmd.Context(), "getTrigger", map[string]string{"id": args[0]}, &t); err != nil {
				return err
			}

			if cronExpr != "" {
				t.CronExpr = cronExpr
			}
			if intervalMins != 0 {
				t.IntervalMins = intervalMins
			}
			if setEnabled {
				t.Enabled = enabled
			}

			var updated store.TriggerSpec
			if err := client.Call(cmd.Context(), "updateTrigger", &t, &updated); err != nil {
				return err
			}
			return printResult(cmd, "trigger update", &updated)
		},
	}
	c.Flags().StringVar(&cronExpr, "cron", "", "New cron expression")
	c.Flags().IntVar(&intervalMins, "interval-minutes", 0, "New interval, in minutes")
	c.Flags().BoolVar(&enabled, "enabled", false, "New enabled state")
	c.Flags().Lookup("enabled").NoOptDefVal = "true"
	c.PreRun = func(cmd *cobra.Command, args []string) {
		setEnabled = cmd.Flags().Changed("enabled")
	}
	return c
}

// newCreateCommand creates a trigger non-interactively when --kind and
// the kind's required flags are given, or walks an interactive wizard
// (asking only what the chosen kind needs) when --kind is omitted.
func newCreateCommand() *cobra.Command {
	var flowID, kind, cronExpr, urlDomain, commandName, menuTitle, domSelector string
	var intervalMins int
	var interactive bool

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" || interactive {
				wizard, err := runCreateWizard()
				if err != nil {
					return err
				}
				flowID, kind, cronExpr, intervalMins, urlDomain, commandName, menuTitle, domSelector = wizard.flowID, wizard.kind, wizard.cronExpr, wizard.intervalMins, wizard.urlDomain, wizard.commandName, wizard.menuTitle, wizard.domSelector
			}
			if flowID == "" {
				return fmt.Errorf("--flow-id is required")
			}
			if kind == "" {
				return fmt.Errorf("--kind is required")
			}

			params := map[string]any{
				"id":     uuid.NewString(),
				"flowId": flowID,
				"kind":   kind,
				"enabled": true,
			}
			switch store.TriggerKind(kind) {
			case store.TriggerCron:
				params["cronExpr"] = cronExpr
			case store.TriggerInterval:
				params["intervalMinutes"] = intervalMins
			case store.TriggerURL:
				params["urlMatch"] = map[string]string{"domainEquals": urlDomain}
			case store.TriggerCommand:
				params["commandName"] = commandName
			case store.TriggerContextMenu:
				params["menuTitle"] = menuTitle
			case store.TriggerDOM:
				params["domSelector"] = domSelector
			}

			client, err := cli.Connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var t store.TriggerSpec
			if err := client.Call(cmd.Context(), "createTrigger", params, &t); err != nil {
				return err
			}
			return printResult(cmd, "trigger create", &t)
		},
	}
	c.Flags().StringVar(&flowID, "flow-id", "", "Flow to trigger")
	c.Flags().StringVar(&kind, "kind", "", "manual, url, cron, interval, once, command, contextMenu, or dom")
	c.Flags().StringVar(&cronExpr, "cron", "", "Cron expression for kind=cron")
	c.Flags().IntVar(&intervalMins, "interval-minutes", 0, "Interval in minutes for kind=interval")
	c.Flags().StringVar(&urlDomain, "url-domain", "", "Domain to match for kind=url")
	c.Flags().StringVar(&commandName, "command-name", "", "Command palette name for kind=command")
	c.Flags().StringVar(&menuTitle, "menu-title", "", "Context menu title for kind=contextMenu")
	c.Flags().StringVar(&domSelector, "dom-selector", "", "CSS selector for kind=dom")
	c.Flags().BoolVarP(&interactive, "interactive", "i", false, "Walk through the creation wizard even if --kind is set")
	return c
}

type wizardAnswers struct {
	flowID, kind, cronExpr, urlDomain, commandName, menuTitle, domSelector string
	intervalMins                                                          int
}

func runCreateWizard() (*wizardAnswers, error) {
	a := &wizardAnswers{}

	if err := survey.AskOne(&survey.Input{Message: "Flow ID to trigger:"}, &a.flowID, survey.WithValidator(survey.Required)); err != nil {
		return nil, err
	}

	if err := survey.AskOne(&survey.Select{
		Message: "Trigger kind:",
		Options: []string{"manual", "url", "cron", "interval", "once", "command", "contextMenu", "dom"},
		Default: "manual",
	}, &a.kind); err != nil {
		return nil, err
	}

	switch store.TriggerKind(a.kind) {
	case store.TriggerCron:
		if err := survey.AskOne(&survey.Input{Message: "Cron expression:", Default: "0 * * * *"}, &a.cronExpr, survey.WithValidator(survey.Required)); err != nil {
			return nil, err
		}
	case store.TriggerInterval:
		var input string
		if err := survey.AskOne(&survey.Input{Message: "Interval, in minutes:", Default: "60"}, &input, survey.WithValidator(func(ans interface{}) error {
			str, _ := ans.(string)
			_, err := strconv.Atoi(str)
			return err
		})); err != nil {
			return nil, err
		}
		a.intervalMins, _ = strconv.Atoi(input)
	case store.TriggerURL:
		if err := survey.AskOne(&survey.Input{Message: "Domain to match:"}, &a.urlDomain, survey.WithValidator(survey.Required)); err != nil {
			return nil, err
		}
	case store.TriggerCommand:
		if err := survey.AskOne(&survey.Input{Message: "Command palette name:"}, &a.commandName, survey.WithValidator(survey.Required)); err != nil {
			return nil, err
		}
	case store.TriggerContextMenu:
		if err := survey.AskOne(&survey.Input{Message: "Context menu title:"}, &a.menuTitle, survey.WithValidator(survey.Required)); err != nil {
			return nil, err
		}
	case store.TriggerDOM:
		if err := survey.AskOne(&survey.Input{Message: "CSS selector:"}, &a.domSelector, survey.WithValidator(survey.Required)); err != nil {
			return nil, err
		}
	}

	return a, nil
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

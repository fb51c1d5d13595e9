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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/toolgate/internal/capability"
	"github.com/tombee/toolgate/internal/gateway"
	"github.com/tombee/toolgate/internal/mcp"
)

// NewRouteCommand creates the route command.
func NewRouteCommand() *cobra.Command {
	var (
		dryRun   bool
		features []string
		scope    string
	)

	cmd := &cobra.Command{
		Use:   "route <text...>",
		Short: "Route a natural-language request to a capability",
		Long: `Classify the text into a capability and pick the implementation that
would serve it. Without --dry-run the chosen server is started, falling back
to the next candidate on failure.`,
		Example: `  toolgate route search the web for mcp gateways
  toolgate route --dry-run --feature deep analyze this repository
  toolgate route --json --scope repo fix the failing test`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			g, err := gateway.New(cmd.Context(), cfg, gateway.Options{Version: version, Logger: newLogger()})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Listen.ShutdownTimeout)
				defer cancel()
				_ = g.Shutdown(shutdownCtx)
			}()

			req := capability.Request{
				Text:     strings.Join(args, " "),
				Features: features,
				Scope:    scope,
			}

			var res capability.Result
			if dryRun {
				res = g.Router().Plan(req)
			} else {
				res, err = g.Router().Route(cmd.Context(), req)
				if err != nil {
					return routeError(err)
				}
			}
			return printRoute(cmd, res)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show the decision without starting any server")
	cmd.Flags().StringSliceVar(&features, "feature", nil, "Feature flag visible to implementation conditions (repeatable)")
	cmd.Flags().StringVar(&scope, "scope", "", "Request scope visible to implementation conditions")

	return cmd
}

func routeError(err error) error {
	var merr *mcp.Error
	if errors.As(err, &merr) && merr.Kind == mcp.KindNoImplementation {
		return &ExitError{Code: ExitNoRoute, Message: "no implementation available", Cause: err}
	}
	return err
}

func printRoute(cmd *cobra.Command, res capability.Result) error {
	if globalFlags.json {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal route result: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Decision:   %s\n", res.Decision)
	fmt.Fprintf(cmd.OutOrStdout(), "Intent:     %s (%.2f)\n", res.Intent.Intent, res.Intent.Confidence)
	fmt.Fprintf(cmd.OutOrStdout(), "Capability: %s\n", res.Capability)
	if res.Selected != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Selected:   %s (priority %d, %s)\n", res.Selected.Server, res.Selected.Priority, res.Selected.Mode)
	}
	if len(res.Tried) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Tried:      %s\n", strings.Join(res.Tried, ", "))
	}
	if res.Question != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", res.Question)
		for _, alt := range res.Alternatives {
			fmt.Fprintf(cmd.OutOrStdout(), "  - %s (%s, %.2f)\n", alt.Intent, alt.Capability, alt.Confidence)
		}
	}
	return nil
}

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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/toolgate/internal/config"
	"github.com/tombee/toolgate/internal/registry"
)

// ServerInfo is one row of the servers command output.
type ServerInfo struct {
	Name    string        `json:"name"`
	Kind    registry.Kind `json:"kind"`
	Mode    registry.Mode `json:"mode"`
	Enabled bool          `json:"enabled"`
	Target  string        `json:"target"`
}

// NewServersCommand creates the servers command.
func NewServersCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "servers",
		Aliases: []string{"ls"},
		Short:   "List configured backend servers",
		Long: `List the backend servers from the config file with their persisted
enabled state. This does not start or contact any server; run
'curl localhost:8765/healthz' against a running gateway for live state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			servers, err := listServers(cmd, cfg)
			if err != nil {
				return err
			}

			if globalFlags.json {
				data, err := json.MarshalIndent(servers, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal servers: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			if len(servers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No servers configured.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-8s %-6s %-8s %s\n", "NAME", "KIND", "MODE", "ENABLED", "TARGET")
			for _, s := range servers {
				enabled := "no"
				if s.Enabled {
					enabled = "yes"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-8s %-6s %-8s %s\n", s.Name, s.Kind, s.Mode, enabled, s.Target)
			}
			return nil
		},
	}
}

func listServers(cmd *cobra.Command, cfg *config.Config) ([]ServerInfo, error) {
	defs := cfg.ServerDefinitions()

	store, err := config.OpenStore(cfg.State.Path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	defs, err = store.Overlay(cmd.Context(), defs, cfg.ModTime())
	if err != nil {
		return nil, err
	}

	servers := make([]ServerInfo, 0, len(defs))
	for _, d := range defs {
		target := d.URL
		if d.Kind() == registry.KindCommand {
			target = strings.TrimSpace(d.Command + " " + strings.Join(d.Args, " "))
		}
		servers = append(servers, ServerInfo{
			Name:    d.Name,
			Kind:    d.Kind(),
			Mode:    d.Mode,
			Enabled: d.Enabled,
			Target:  target,
		})
	}
	return servers, nil
}

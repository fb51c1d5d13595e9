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

// Package cli implements the toolgate command line.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tombee/toolgate/internal/config"
	"github.com/tombee/toolgate/internal/log"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// globalFlags are the persistent flags of the root command.
var globalFlags struct {
	configPath string
	json       bool
	verbose    bool
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version information.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolgate",
		Short: "toolgate - one endpoint for many MCP tool servers",
		Long: `toolgate sits between MCP clients and any number of backend tool servers.
It starts servers on demand, stops them when idle, and advertises a compact
catalog behind three meta-tools: find, exec and schema.

Run 'toolgate serve' for the HTTP transport or 'toolgate stdio' to serve a
single client over stdin and stdout.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&globalFlags.configPath, "config", "", "Path to config file (default: ./toolgate.yaml or ~/.config/toolgate/toolgate.yaml)")
	cmd.PersistentFlags().BoolVar(&globalFlags.json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&globalFlags.verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

// loadConfig loads the resolved config file, or the defaults when there
// is none.
func loadConfig() (*config.Config, error) {
	path := config.ResolvePath(globalFlags.configPath)
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &ExitError{Code: ExitConfig, Message: "failed to load configuration", Cause: err}
	}
	return cfg, nil
}

// newLogger builds the process logger from the environment and flags.
func newLogger() *slog.Logger {
	cfg := log.FromEnv()
	if globalFlags.verbose {
		cfg.Level = "debug"
	}
	return log.New(cfg)
}

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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/toolgate/internal/config"
	"github.com/tombee/toolgate/internal/gateway"
	"github.com/tombee/toolgate/internal/log"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var (
		listen      string
		allowRemote bool
		noWatch     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway over HTTP",
		Long: `Run the gateway with the SSE transport. Clients open GET /sse and post
JSON-RPC frames to the advertised /message endpoint. Hot servers are started
immediately; the config file is watched and reloaded on change.

The gateway also serves /healthz, /metrics and POST /route.`,
		Example: `  toolgate serve
  toolgate serve --listen 127.0.0.1:9000
  toolgate serve --config ./toolgate.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen.Address = listen
			}
			if allowRemote {
				cfg.Listen.AllowRemote = true
			}
			if err := cfg.Validate(); err != nil {
				return &ExitError{Code: ExitConfig, Message: "invalid configuration", Cause: err}
			}
			return runServe(cmd.Context(), cfg, !noWatch)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides listen.address)")
	cmd.Flags().BoolVar(&allowRemote, "allow-remote", false, "Allow a non-loopback listen address (requires auth.jwt)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the config file on change")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, watch bool) error {
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := gateway.New(ctx, cfg, gateway.Options{Version: version, Logger: logger})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen.Address)
	if err != nil {
		_ = g.Shutdown(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen.Address, err)
	}

	g.Start(ctx)

	if watch && cfg.Path() != "" {
		w, err := g.WatchConfig(cfg.Path())
		if err != nil {
			logger.Warn("config reload disabled", log.Error(err))
		} else {
			defer w.Close()
		}
	}

	serveErr := g.Serve(ctx, ln)
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Listen.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, g.Shutdown(shutdownCtx))
}

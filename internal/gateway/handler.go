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

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/toolgate/internal/adapter"
	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/mcp"
	"github.com/tombee/toolgate/internal/metatool"
	"github.com/tombee/toolgate/internal/schema"
)

// toolHandler serves the tool methods of ready client sessions.
type toolHandler struct {
	g *Gateway
}

// ListTools returns the meta-tools followed by the partitioned catalog of
// every enabled server, in registry order and then catalog order. A server
// whose catalog cannot be fetched is left out and logged.
func (h *toolHandler) ListTools(ctx context.Context) ([]json.RawMessage, error) {
	g := h.g
	var servers []string
	for _, def := range g.registry.List() {
		if def.Enabled {
			servers = append(servers, def.Name)
		}
	}

	catalogs := make([][]json.RawMessage, len(servers))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, name := range servers {
		eg.Go(func() error {
			tools, err := g.cache.Partitioned(egCtx, name)
			if err != nil {
				g.logger.Warn("omitting server from tools/list",
					slog.String(log.ServerKey, name), log.Error(err))
				return nil
			}
			catalogs[i] = tools
			return nil
		})
	}
	_ = eg.Wait()

	out := g.meta.Tools()
	for _, tools := range catalogs {
		out = append(out, tools...)
	}

	if g.logger.Enabled(ctx, slog.LevelDebug) {
		tokens := 0
		for _, t := range out {
			tokens += schema.EstimateTokens(t)
		}
		g.logger.Debug("tools/list",
			slog.Int("tools", len(out)),
			slog.Int("servers", len(servers)),
			slog.Int("estimated_tokens", tokens))
	}
	return out, nil
}

// CallTool serves tools/call through the meta-tool router and records it.
func (h *toolHandler) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	result, err := h.g.meta.Call(ctx, name, args)

	label := name
	if !metatool.IsMetaTool(name) {
		label = "proxy"
	}
	outcome := "ok"
	if err != nil {
		outcome = string(mcp.KindOf(err))
	}
	h.g.telemetry.Instruments().RecordCall(ctx, label, outcome, time.Since(start))
	return result, err
}

// onNotification relays backend notifications. A changed tool list drops
// the cached catalog and tells every client to list again.
func (g *Gateway) onNotification(server string, n adapter.Notification) {
	if n.Method != mcp.MethodToolsListChanged {
		g.logger.Debug("ignoring backend notification",
			slog.String(log.ServerKey, server), slog.String("method", n.Method))
		return
	}
	g.cache.Invalidate(server)
	g.sup.Events().EmitToolsChanged(server, "backend reported a changed tool list")
}

// onRestart drops the catalog of a server that came back with a new process.
func (g *Gateway) onRestart(server string) {
	if g.cache.Invalidate(server) {
		g.sup.Events().EmitToolsChanged(server, "restarted")
	}
}

// onEvent broadcasts list_changed when the set of advertised tools moves.
func (g *Gateway) onEvent(ev mcp.ServerEvent) {
	switch ev.Type {
	case mcp.EventToolsChanged, mcp.EventEnabled, mcp.EventDisabled:
		n := g.sessions.Broadcast(mcp.MethodToolsListChanged, nil)
		g.logger.Debug("broadcast tools list change",
			slog.String(log.ServerKey, ev.ServerName),
			slog.String("event", string(ev.Type)),
			slog.Int("sessions", n))
	}
}

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
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/tombee/toolgate/internal/config"
	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/mcp"
	"github.com/tombee/toolgate/internal/registry"
)

// Reload applies a new configuration. The server list and capability
// routes take effect immediately. An existing server's enabled flag only
// changes when the file itself flips it, and persisted flags newer than
// the file still win. Other sections need a restart.
func (g *Gateway) Reload(ctx context.Context, cfg *config.Config) error {
	g.reload.Lock()
	defer g.reload.Unlock()

	defs := cfg.ServerDefinitions()
	if g.store != nil {
		overlaid, err := g.store.Overlay(ctx, defs, cfg.ModTime())
		if err != nil {
			return err
		}
		defs = overlaid
	}

	router, err := g.newRouter(cfg)
	if err != nil {
		return err
	}
	toggles := g.enabledToggles(cfg, defs)
	diff, err := g.registry.Replace(defs)
	if err != nil {
		return fmt.Errorf("failed to apply server list: %w", err)
	}
	g.router.Store(router)

	// Flags go through the supervisor so they serialize with auto-enable
	// and in-flight starts.
	for _, name := range slices.Sorted(maps.Keys(toggles)) {
		if cur, ok := g.registry.Get(name); ok && cur.Enabled == toggles[name] {
			continue
		}
		if toggles[name] {
			err = g.sup.Enable(ctx, name)
		} else {
			err = g.sup.Disable(ctx, name)
		}
		if err != nil {
			g.logger.Warn("failed to apply enabled flag", slog.String(log.ServerKey, name), log.Error(err))
			continue
		}
		if !slices.Contains(diff.Toggled, name) {
			diff.Toggled = append(diff.Toggled, name)
		}
	}

	for _, name := range diff.Removed {
		g.cache.Remove(name)
	}
	for _, name := range diff.Changed {
		g.cache.Invalidate(name)
	}
	if err := g.sup.Reconcile(ctx, diff); err != nil {
		g.logger.Warn("some servers failed to start after reload", log.Error(err))
	}

	if !diff.Empty() {
		n := g.sessions.Broadcast(mcp.MethodToolsListChanged, nil)
		g.logger.Info("configuration reloaded",
			slog.Any("added", diff.Added),
			slog.Any("removed", diff.Removed),
			slog.Any("changed", diff.Changed),
			slog.Any("toggled", diff.Toggled),
			slog.Int("notified_sessions", n))
	}
	g.cfg = cfg
	return nil
}

// enabledToggles returns the existing servers whose enabled flag the new
// file flips, mapped to the value to apply. Servers the file leaves alone
// keep whatever flag they carry at runtime.
func (g *Gateway) enabledToggles(cfg *config.Config, defs []registry.ServerDefinition) map[string]bool {
	previous := make(map[string]bool)
	if g.cfg != nil {
		for _, d := range g.cfg.ServerDefinitions() {
			previous[d.Name] = d.Enabled
		}
	}
	desired := make(map[string]bool, len(defs))
	for _, d := range defs {
		desired[d.Name] = d.Enabled
	}

	toggles := make(map[string]bool)
	for _, d := range cfg.ServerDefinitions() {
		was, ok := previous[d.Name]
		if !ok || was == d.Enabled || !g.registry.Has(d.Name) {
			continue
		}
		toggles[d.Name] = desired[d.Name]
	}
	return toggles
}

// WatchConfig reloads the gateway whenever the file behind cfg changes.
// The returned watcher must be closed by the caller.
func (g *Gateway) WatchConfig(path string) (*config.Watcher, error) {
	return config.NewWatcher(config.WatcherConfig{
		Path:   path,
		Logger: g.opts.Logger,
		OnChange: func(cfg *config.Config) {
			if err := g.Reload(context.Background(), cfg); err != nil {
				g.logger.Error("failed to apply reloaded configuration", log.Error(err))
			}
		},
	})
}

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

// Package gateway assembles the registry, supervisor, schema cache,
// routers and session manager into one running gateway and serves its
// HTTP surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/toolgate/internal/adapter"
	"github.com/tombee/toolgate/internal/auth"
	"github.com/tombee/toolgate/internal/capability"
	"github.com/tombee/toolgate/internal/config"
	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/mcp"
	"github.com/tombee/toolgate/internal/metatool"
	"github.com/tombee/toolgate/internal/registry"
	"github.com/tombee/toolgate/internal/schema"
	"github.com/tombee/toolgate/internal/session"
	"github.com/tombee/toolgate/internal/supervisor"
	"github.com/tombee/toolgate/internal/tracing"
)

// Options are the non-YAML inputs of New.
type Options struct {
	// Version is reported to clients, backends and the health endpoint.
	Version string

	Logger *slog.Logger

	// NewBackend overrides how backends are built. Tests use in-memory fakes.
	NewBackend supervisor.BackendFactory

	// Store overrides the enabled-state store opened from cfg.State.Path.
	Store *config.Store

	// Registry receives the OpenTelemetry metrics. A fresh registry is
	// created when nil; /metrics serves it alongside the global one.
	Registry *prometheus.Registry

	// Getenv resolves the JWT secret (default os.Getenv).
	Getenv func(string) string
}

// Gateway is one running gateway instance.
type Gateway struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	registry  *registry.Registry
	sup       *supervisor.Supervisor
	cache     *schema.Cache
	meta      *metatool.Router
	router    atomic.Pointer[capability.Router]
	sessions  *session.Manager
	store     *config.Store
	ownStore  bool
	telemetry *tracing.Provider
	authMw    *auth.Middleware
	started   time.Time

	// reload serializes config reloads.
	reload sync.Mutex

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New builds a gateway from cfg. Nothing is started until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}

	g := &Gateway{
		cfg:     cfg,
		opts:    opts,
		logger:  log.WithComponent(opts.Logger, "gateway"),
		started: time.Now(),
	}

	if err := g.openStore(); err != nil {
		return nil, err
	}

	defs := cfg.ServerDefinitions()
	if g.store != nil {
		overlaid, err := g.store.Overlay(ctx, defs, cfg.ModTime())
		if err != nil {
			g.closeStore()
			return nil, err
		}
		defs = overlaid
	}
	reg, err := registry.New(defs)
	if err != nil {
		g.closeStore()
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}
	g.registry = reg

	if cfg.Auth.JWT.Enabled() {
		jwtCfg, err := cfg.Auth.JWT.Resolve(opts.Getenv)
		if err != nil {
			g.closeStore()
			return nil, err
		}
		g.authMw = auth.NewMiddleware(jwtCfg, log.WithComponent(opts.Logger, "auth"), "/healthz")
	}

	tracingCfg := cfg.Tracing
	if tracingCfg.ServiceVersion == "" {
		tracingCfg.ServiceVersion = opts.Version
	}
	g.telemetry, err = tracing.New(ctx, tracingCfg, tracing.Options{
		Registerer: opts.Registry,
		Gatherer:   prometheus.Gatherers{opts.Registry, prometheus.DefaultGatherer},
		Logger:     opts.Logger,
	})
	if err != nil {
		g.closeStore()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	info := mcp.Implementation{Name: "toolgate", Version: opts.Version}

	newBackend := opts.NewBackend
	if newBackend == nil {
		stopTimeout := cfg.Supervisor.StopTimeout
		newBackend = func(def registry.ServerDefinition) (adapter.Backend, error) {
			return adapter.NewBackend(def, adapter.BackendOptions{Logger: opts.Logger, StopTimeout: stopTimeout})
		}
	}

	supCfg := cfg.SupervisorOptions()
	supCfg.ClientInfo = info
	supCfg.NewBackend = newBackend
	supCfg.Logger = opts.Logger
	supCfg.Events = mcp.NewEventEmitter(log.WithComponent(opts.Logger, "events"))
	supCfg.OnRestart = g.onRestart
	supCfg.OnNotification = g.onNotification
	if g.store != nil {
		supCfg.Store = g.store
	}
	g.sup = supervisor.New(reg, supCfg)

	g.cache = schema.NewCache(g.sup, schema.Config{Limits: cfg.Schema, Logger: opts.Logger})

	g.meta = metatool.New(g.sup, g.cache, metatool.Config{
		FindLimit:        cfg.Find.Limit,
		DescriptionLimit: cfg.Find.DescriptionLimit,
		ExecRetries:      cfg.ExecRetries(),
		Logger:           opts.Logger,
		Tracer:           g.telemetry.Tracer("toolgate/metatool"),
	})

	router, err := g.newRouter(cfg)
	if err != nil {
		g.closeStore()
		_ = g.telemetry.Shutdown(ctx)
		return nil, err
	}
	g.router.Store(router)

	sessCfg := cfg.SessionOptions()
	sessCfg.ServerInfo = info
	sessCfg.Instructions = instructions
	sessCfg.Logger = opts.Logger
	g.sessions = session.NewManager(&toolHandler{g: g}, sessCfg)

	g.unsubscribe = g.sup.Events().Subscribe(g.onEvent)
	return g, nil
}

// instructions is returned to clients in the initialize result.
const instructions = "Tools behind this gateway are reached through find, exec and schema. " +
	"Call find to discover tools, schema to see a tool's arguments, and exec to call it as server:tool."

func (g *Gateway) openStore() error {
	if g.opts.Store != nil {
		g.store = g.opts.Store
		return nil
	}
	store, err := config.OpenStore(g.cfg.State.Path)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	g.store = store
	g.ownStore = true
	return nil
}

func (g *Gateway) closeStore() {
	if g.ownStore && g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Warn("failed to close state store", log.Error(err))
		}
	}
}

func (g *Gateway) newRouter(cfg *config.Config) (*capability.Router, error) {
	capCfg := cfg.CapabilityOptions()
	capCfg.Logger = g.opts.Logger
	r, err := capability.New(g.sup, capCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build capability router: %w", err)
	}
	return r, nil
}

// Supervisor returns the process supervisor.
func (g *Gateway) Supervisor() *supervisor.Supervisor { return g.sup }

// Sessions returns the session manager.
func (g *Gateway) Sessions() *session.Manager { return g.sessions }

// Router returns the current capability router.
func (g *Gateway) Router() *capability.Router { return g.router.Load() }

// Cache returns the schema cache.
func (g *Gateway) Cache() *schema.Cache { return g.cache }

// Start launches hot servers and the background sweepers. It returns once
// hot servers have been attempted; failures are logged, not returned.
func (g *Gateway) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel

	if err := g.sup.StartHot(ctx); err != nil {
		g.logger.Warn("some hot servers failed to start", log.Error(err))
	}

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.sup.Run(runCtx)
	}()
	go func() {
		defer g.wg.Done()
		g.sessions.Run(runCtx)
	}()

	g.logger.Info("gateway started",
		slog.String("version", g.opts.Version),
		slog.Int("servers", g.registry.Len()))
}

// Handler returns the HTTP surface: the session transport, /healthz,
// /metrics and /route.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	session.NewHTTPHandler(g.sessions, session.HTTPConfig{Keepalive: g.cfg.Session.Keepalive}).RegisterRoutes(mux)
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.Handle("GET /metrics", g.telemetry.MetricsHandler())
	mux.HandleFunc("POST /route", g.handleRoute)

	var handler http.Handler = mux
	if g.authMw != nil {
		handler = g.authMw.Wrap(handler)
	}
	handler = tracing.HTTPMiddleware(handler)
	handler = log.HTTPMiddleware(log.WithComponent(g.opts.Logger, "http"))(handler)
	handler = log.RecoverMiddleware(g.logger)(handler)
	return handler
}

// Serve serves the HTTP surface on ln until ctx is done, then shuts the
// listener down gracefully.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	g.logger.Info("listening", slog.String("listen_addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Streams never end on their own, so close sessions before waiting.
	g.sessions.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Listen.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

// ServeStdio serves a single session over r and w.
func (g *Gateway) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	return session.ServeStdio(ctx, g.sessions, r, w)
}

// Shutdown closes sessions, stops every backend and flushes telemetry.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	if g.unsubscribe != nil {
		g.unsubscribe()
	}

	g.sessions.Shutdown()
	g.sup.Shutdown(ctx)

	var errs []error
	if err := g.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if g.ownStore {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state store: %w", err))
		}
	}
	g.logger.Info("gateway stopped")
	return errors.Join(errs...)
}

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

// Package supervisor owns the lifecycle of backend server processes: lazy
// start, idle shutdown, auto-enable and crash-loop circuit breaking. Start
// and stop for one server are serialized; different servers never contend.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tombee/toolgate/internal/adapter"
	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/mcp"
	"github.com/tombee/toolgate/internal/registry"
)

// State is the lifecycle state of a ProcessRecord.
type State string

const (
	StateStopped     State = "stopped"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateCrashed     State = "crashed"
	StateCircuitOpen State = "circuit-open"
)

// EnabledStore persists the enabled flag when the supervisor changes it.
type EnabledStore interface {
	SaveEnabled(ctx context.Context, name string, enabled bool) error
}

// BackendFactory builds the backend for a server definition.
type BackendFactory func(def registry.ServerDefinition) (adapter.Backend, error)

// AdapterConfig holds the adapter settings applied to every backend.
type AdapterConfig struct {
	QueueDepth       int           `yaml:"queue_depth"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// Config configures a Supervisor.
type Config struct {
	// IdleTimeout is the default idle TTL for servers without their own (default 120s).
	IdleTimeout time.Duration

	// SweepInterval is how often Run checks for idle servers (default 5s).
	SweepInterval time.Duration

	// StartTimeout bounds one start attempt, dial included (default 30s).
	StartTimeout time.Duration

	Breaker     BreakerConfig
	AdaptiveTTL AdaptiveTTLConfig
	Adapter     AdapterConfig

	// ClientInfo identifies the gateway to backends.
	ClientInfo mcp.Implementation

	// NewBackend builds backends. Required.
	NewBackend BackendFactory

	// Store persists enabled-flag changes. Optional.
	Store EnabledStore

	// Events receives lifecycle events. Optional.
	Events *mcp.EventEmitter

	// OnRestart runs when a server is started again after a previous process.
	OnRestart func(server string)

	// OnNotification receives backend notifications.
	OnNotification func(server string, n adapter.Notification)

	Logger *slog.Logger

	// Now and Rand are injectable for tests.
	Now  func() time.Time
	Rand func() float64
}

func (c *Config) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	c.Breaker.setDefaults()
	if c.AdaptiveTTL.Enabled {
		c.AdaptiveTTL.setDefaults()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Events == nil {
		c.Events = mcp.NewEventEmitter(c.Logger)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

// record is the ProcessRecord of one server.
type record struct {
	name string

	// transition serializes start, stop and transient fetches for this server.
	transition sync.Mutex

	mu            sync.Mutex
	state         State
	adapter       *adapter.Adapter
	startedAt     time.Time
	lastActivity  time.Time
	startDuration time.Duration
	starts        int
	lastError     string
	calls         []time.Time
	breaker       *breaker
}

// live returns the current adapter if it can still serve calls.
func (r *record) live() *adapter.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adapter != nil && r.adapter.Alive() {
		return r.adapter
	}
	return nil
}

// Supervisor manages one ProcessRecord per registered server.
type Supervisor struct {
	cfg      Config
	registry *registry.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string]*record

	starts singleflight.Group
}

// New creates a Supervisor over reg.
func New(reg *registry.Registry, cfg Config) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		cfg:      cfg,
		registry: reg,
		logger:   log.WithComponent(cfg.Logger, "supervisor"),
		records:  make(map[string]*record),
	}
}

// Registry returns the registry the supervisor mutates.
func (s *Supervisor) Registry() *registry.Registry { return s.registry }

// Events returns the lifecycle event emitter.
func (s *Supervisor) Events() *mcp.EventEmitter { return s.cfg.Events }

func (s *Supervisor) record(name string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		rec = &record{
			name:    name,
			state:   StateStopped,
			breaker: newBreaker(s.cfg.Breaker, s.cfg.Rand),
		}
		s.records[name] = rec
	}
	return rec
}

func (s *Supervisor) lookup(name string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[name]
}

// EnsureRunning returns a live adapter for name, starting the server if
// needed. A disabled server is enabled first. The adapter may still be
// handshaking; calls made on it are queued until it is ready.
func (s *Supervisor) EnsureRunning(ctx context.Context, name string) (*adapter.Adapter, error) {
	if !s.registry.Has(name) {
		return nil, mcp.ErrUnknownServer(name)
	}
	rec := s.record(name)
	if a := rec.live(); a != nil {
		s.touch(rec)
		return a, nil
	}

	// Concurrent callers share one start attempt. The attempt is detached
	// from any single caller's cancellation.
	ch := s.starts.DoChan(name, func() (any, error) {
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StartTimeout)
		defer cancel()
		return s.start(startCtx, rec)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s.touch(rec)
		return res.Val.(*adapter.Adapter), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, mcp.ErrTimeout(name, "start", ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (s *Supervisor) start(ctx context.Context, rec *record) (*adapter.Adapter, error) {
	rec.transition.Lock()
	defer rec.transition.Unlock()

	if a := rec.live(); a != nil {
		return a, nil
	}
	def, ok := s.registry.Get(rec.name)
	if !ok {
		return nil, mcp.ErrUnknownServer(rec.name)
	}

	now := s.cfg.Now()
	rec.mu.Lock()
	allowed, retryAfter := rec.breaker.allow(now)
	if !allowed {
		rec.state = StateCircuitOpen
		rec.mu.Unlock()
		circuitRejections.WithLabelValues(rec.name).Inc()
		return nil, mcp.ErrCircuitOpen(rec.name, retryAfter)
	}
	rec.mu.Unlock()

	if !def.Enabled {
		if err := s.setEnabled(ctx, rec.name, true, true); err != nil {
			return nil, err
		}
		autoEnables.WithLabelValues(rec.name).Inc()
	}

	a, err := s.launch(ctx, rec, def)
	if err != nil {
		startErr := mcp.ErrStartFailed(rec.name, err)
		s.recordFailure(rec, startErr)
		return nil, startErr
	}
	return a, nil
}

// launch spawns the backend and starts its handshake. Callers hold the
// transition lock.
func (s *Supervisor) launch(ctx context.Context, rec *record, def registry.ServerDefinition) (*adapter.Adapter, error) {
	s.logger.Debug("starting server",
		slog.String(log.ServerKey, def.Name),
		slog.String("kind", string(def.Kind())),
		slog.Any("env", log.RedactEnv(def.Env)))

	backend, err := s.cfg.NewBackend(def)
	if err != nil {
		return nil, err
	}

	var a *adapter.Adapter
	a = adapter.New(backend, s.adapterConfig(def, backend,
		func(startup time.Duration) { s.handleReady(rec, a, startup) },
		func(err error) { s.handleFault(rec, a, err) },
	))

	// The record owns the adapter before its handshake begins so that an
	// early fault is attributed to this start.
	rec.mu.Lock()
	restart := rec.starts > 0
	rec.adapter = a
	rec.state = StateStarting
	rec.starts++
	rec.mu.Unlock()
	runningServers.Inc()

	if err := a.Start(ctx); err != nil {
		rec.mu.Lock()
		if rec.adapter == a {
			rec.adapter = nil
		}
		rec.mu.Unlock()
		runningServers.Dec()
		return nil, err
	}

	now := s.cfg.Now()
	rec.mu.Lock()
	if rec.adapter == a {
		rec.state = StateRunning
		rec.startedAt = now
		rec.lastActivity = now
		rec.lastError = ""
	}
	rec.mu.Unlock()

	starts.WithLabelValues(rec.name).Inc()
	s.cfg.Events.EmitStarted(rec.name, a.PID())
	if restart && s.cfg.OnRestart != nil {
		s.cfg.OnRestart(rec.name)
	}
	return a, nil
}

func (s *Supervisor) adapterConfig(def registry.ServerDefinition, backend adapter.Backend, onReady func(time.Duration), onFault func(error)) adapter.Config {
	maxInFlight := def.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = adapter.DefaultMaxInFlight(backend.Kind())
	}
	name := def.Name
	cfg := adapter.Config{
		Server:           name,
		QueueDepth:       s.cfg.Adapter.QueueDepth,
		HandshakeTimeout: s.cfg.Adapter.HandshakeTimeout,
		CallTimeout:      s.cfg.Adapter.CallTimeout,
		MaxInFlight:      maxInFlight,
		ClientInfo:       s.cfg.ClientInfo,
		Logger:           s.cfg.Logger,
		OnReady:          onReady,
		OnFault:          onFault,
	}
	if s.cfg.OnNotification != nil {
		cfg.OnNotification = func(n adapter.Notification) { s.cfg.OnNotification(name, n) }
	}
	return cfg
}

func (s *Supervisor) handleReady(rec *record, a *adapter.Adapter, startup time.Duration) {
	rec.mu.Lock()
	if rec.adapter != a {
		rec.mu.Unlock()
		return
	}
	rec.startDuration = startup
	rec.breaker.success()
	rec.mu.Unlock()

	s.cfg.Events.EmitReady(rec.name, startup)
}

func (s *Supervisor) handleFault(rec *record, a *adapter.Adapter, err error) {
	rec.mu.Lock()
	if rec.adapter != a {
		rec.mu.Unlock()
		return
	}
	rec.adapter = nil
	rec.mu.Unlock()

	runningServers.Dec()
	s.recordFailure(rec, err)
}

// RecordFailure counts a failure against name's circuit breaker.
func (s *Supervisor) RecordFailure(name string, err error) {
	if rec := s.lookup(name); rec != nil {
		s.recordFailure(rec, err)
	}
}

func (s *Supervisor) recordFailure(rec *record, err error) {
	now := s.cfg.Now()

	rec.mu.Lock()
	rec.state = StateCrashed
	if err != nil {
		rec.lastError = err.Error()
	}
	opened, cooldown := rec.breaker.failure(now)
	if opened {
		rec.state = StateCircuitOpen
	}
	rec.mu.Unlock()

	failures.WithLabelValues(rec.name).Inc()
	s.cfg.Events.EmitFailed(rec.name, err)
	if opened {
		circuitOpens.WithLabelValues(rec.name).Inc()
		s.cfg.Events.EmitCircuitOpen(rec.name, cooldown)
	}
}

// Touch resets name's idle deadline.
func (s *Supervisor) Touch(name string) {
	if rec := s.lookup(name); rec != nil {
		s.touch(rec)
	}
}

func (s *Supervisor) touch(rec *record) {
	now := s.cfg.Now()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.lastActivity = now
	if s.cfg.AdaptiveTTL.Enabled {
		rec.calls = append(pruneCalls(rec.calls, now, s.cfg.AdaptiveTTL.Window), now)
	}
}

// idleTTL returns the idle timeout for a record. Callers hold rec.mu.
func (s *Supervisor) idleTTL(rec *record, def registry.ServerDefinition, now time.Time) time.Duration {
	if def.IdleTimeout > 0 {
		return def.IdleTimeout
	}
	if !s.cfg.AdaptiveTTL.Enabled {
		return s.cfg.IdleTimeout
	}
	rec.calls = pruneCalls(rec.calls, now, s.cfg.AdaptiveTTL.Window)
	return s.cfg.AdaptiveTTL.ttl(len(rec.calls), rec.startDuration)
}

// StopIdle stops every cold server idle past its TTL and returns their
// names. Hot servers and servers with calls in flight are skipped.
func (s *Supervisor) StopIdle(ctx context.Context) []string {
	var stopped []string
	for _, def := range s.registry.List() {
		if def.Mode == registry.ModeHot {
			continue
		}
		rec := s.lookup(def.Name)
		if rec == nil || !s.idle(rec, def) {
			continue
		}

		rec.transition.Lock()
		// Re-check under the transition lock; a call may have arrived.
		if s.idle(rec, def) {
			s.stopLocked(rec, "idle")
			stopped = append(stopped, def.Name)
			idleStops.WithLabelValues(def.Name).Inc()
		}
		rec.transition.Unlock()
	}
	return stopped
}

func (s *Supervisor) idle(rec *record, def registry.ServerDefinition) bool {
	now := s.cfg.Now()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.adapter == nil || rec.adapter.InFlight() > 0 {
		return false
	}
	return now.Sub(rec.lastActivity) >= s.idleTTL(rec, def, now)
}

// stopLocked closes the process. Callers hold the transition lock.
func (s *Supervisor) stopLocked(rec *record, reason string) {
	rec.mu.Lock()
	a := rec.adapter
	rec.adapter = nil
	// A trial stopped mid-handshake never reports ready or fault.
	if rec.breaker.abortTrial(s.cfg.Now()) {
		rec.state = StateCircuitOpen
	}
	if rec.state != StateCircuitOpen {
		rec.state = StateStopped
	}
	rec.mu.Unlock()

	if a == nil {
		return
	}
	if err := a.Close(); err != nil {
		s.logger.Warn("error stopping server", slog.String(log.ServerKey, rec.name), log.Error(err))
	}
	runningServers.Dec()
	s.cfg.Events.EmitStopped(rec.name, reason)
}

// Stop stops name's process if running. The enabled flag is untouched.
func (s *Supervisor) Stop(name, reason string) {
	rec := s.lookup(name)
	if rec == nil {
		return
	}
	rec.transition.Lock()
	defer rec.transition.Unlock()
	s.stopLocked(rec, reason)
}

// Run sweeps idle servers until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stopped := s.StopIdle(ctx); len(stopped) > 0 {
				s.logger.Info("stopped idle servers", slog.Any("servers", stopped))
			}
		}
	}
}

// StartHot starts every enabled hot-mode server concurrently. Failures are
// logged and joined; they do not stop other servers from starting.
func (s *Supervisor) StartHot(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, def := range s.registry.List() {
		if def.Mode != registry.ModeHot || !def.Enabled {
			continue
		}
		name := def.Name
		g.Go(func() error {
			if _, err := s.EnsureRunning(gctx, name); err != nil {
				s.logger.Warn("hot server failed to start", slog.String(log.ServerKey, name), log.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Enable marks name enabled and persists the change.
func (s *Supervisor) Enable(ctx context.Context, name string) error {
	if !s.registry.Has(name) {
		return mcp.ErrUnknownServer(name)
	}
	rec := s.record(name)
	rec.transition.Lock()
	defer rec.transition.Unlock()
	return s.setEnabled(ctx, name, true, false)
}

// Disable stops name's process and marks it disabled. Its cached catalog
// is kept so discovery keeps working.
func (s *Supervisor) Disable(ctx context.Context, name string) error {
	if !s.registry.Has(name) {
		return mcp.ErrUnknownServer(name)
	}
	rec := s.record(name)
	rec.transition.Lock()
	defer rec.transition.Unlock()
	s.stopLocked(rec, "disabled")
	return s.setEnabled(ctx, name, false, false)
}

// setEnabled flips the registry flag and persists it. Callers hold the
// transition lock.
func (s *Supervisor) setEnabled(ctx context.Context, name string, enabled, auto bool) error {
	var (
		changed bool
		err     error
	)
	if enabled {
		changed, err = s.registry.Enable(name)
	} else {
		changed, err = s.registry.Disable(name)
	}
	if err != nil {
		return mcp.ErrUnknownServer(name)
	}
	if !changed {
		return nil
	}

	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveEnabled(ctx, name, enabled); err != nil {
			// The in-memory flag stays authoritative for this process.
			s.logger.Warn("failed to persist enabled flag",
				slog.String(log.ServerKey, name), slog.Bool("enabled", enabled), log.Error(err))
		}
	}
	s.cfg.Events.EmitEnabled(name, enabled, auto)
	return nil
}

// FetchTools returns name's raw tool declarations. Enabled servers are
// started as needed. Disabled servers are started in a transient process
// that is closed afterwards; the enabled flag and record are untouched.
func (s *Supervisor) FetchTools(ctx context.Context, name string) ([]json.RawMessage, error) {
	def, ok := s.registry.Get(name)
	if !ok {
		return nil, mcp.ErrUnknownServer(name)
	}
	if !def.Enabled {
		return s.fetchTransient(ctx, def)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		a, err := s.EnsureRunning(ctx, name)
		if err != nil {
			return nil, err
		}
		tools, err := a.ListTools(ctx)
		if err == nil {
			s.Touch(name)
			return tools, nil
		}
		if !mcp.IsKind(err, mcp.KindBackendUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Supervisor) fetchTransient(ctx context.Context, def registry.ServerDefinition) ([]json.RawMessage, error) {
	rec := s.record(def.Name)
	rec.transition.Lock()
	defer rec.transition.Unlock()

	// Enabled and started by someone else while we waited.
	if a := rec.live(); a != nil {
		return a.ListTools(ctx)
	}

	now := s.cfg.Now()
	rec.mu.Lock()
	open := rec.breaker.isOpen(now)
	retryAfter := rec.breaker.openUntil.Sub(now)
	rec.mu.Unlock()
	if open {
		return nil, mcp.ErrCircuitOpen(def.Name, retryAfter)
	}

	backend, err := s.cfg.NewBackend(def)
	if err != nil {
		return nil, mcp.ErrStartFailed(def.Name, err)
	}
	a := adapter.New(backend, s.adapterConfig(def, backend, nil, nil))
	defer func() { _ = a.Close() }()

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		return nil, mcp.ErrStartFailed(def.Name, err)
	}
	transientFetches.WithLabelValues(def.Name).Inc()

	tools, err := a.ListTools(startCtx)
	if err != nil {
		return nil, fmt.Errorf("transient fetch %s: %w", def.Name, err)
	}
	return tools, nil
}

// Reconcile applies a registry diff after a config reload: removed,
// changed and newly disabled servers are stopped, newly hot servers are
// started.
func (s *Supervisor) Reconcile(ctx context.Context, diff registry.Diff) error {
	for _, name := range diff.Removed {
		s.Stop(name, "removed")
		s.mu.Lock()
		delete(s.records, name)
		s.mu.Unlock()
	}
	for _, name := range diff.Changed {
		s.Stop(name, "config changed")
	}
	for _, name := range diff.Toggled {
		if def, ok := s.registry.Get(name); ok && !def.Enabled {
			s.Stop(name, "disabled")
		}
	}
	return s.StartHot(ctx)
}

// Shutdown stops every running server.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.transition.Lock()
			defer rec.transition.Unlock()
			s.stopLocked(rec, "shutdown")
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with servers still stopping")
	}
}

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

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/toolgate/internal/adapter"
	"github.com/tombee/toolgate/internal/adapter/adaptertest"
	"github.com/tombee/toolgate/internal/mcp"
	"github.com/tombee/toolgate/internal/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memStore struct {
	mu    sync.Mutex
	saved map[string]bool
}

func (m *memStore) SaveEnabled(ctx context.Context, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]bool)
	}
	m.saved[name] = enabled
	return nil
}

func (m *memStore) get(name string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.saved[name]
	return v, ok
}

type harness struct {
	sup      *Supervisor
	reg      *registry.Registry
	clock    *fakeClock
	store    *memStore
	backends map[string]*adaptertest.Backend

	mu       sync.Mutex
	restarts []string
	events   []mcp.ServerEvent
}

func (h *harness) restarted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.restarts...)
}

func (h *harness) eventTypes(server string) []mcp.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []mcp.EventType
	for _, e := range h.events {
		if e.ServerName == server {
			out = append(out, e.Type)
		}
	}
	return out
}

func cold(name string) registry.ServerDefinition {
	return registry.ServerDefinition{Name: name, Command: name + "-server", Mode: registry.ModeCold, Enabled: true}
}

func hot(name string) registry.ServerDefinition {
	d := cold(name)
	d.Mode = registry.ModeHot
	return d
}

func newHarness(t *testing.T, defs []registry.ServerDefinition, mutate func(*Config)) *harness {
	t.Helper()
	reg, err := registry.New(defs)
	require.NoError(t, err)

	h := &harness{
		reg:      reg,
		clock:    newFakeClock(),
		store:    &memStore{},
		backends: make(map[string]*adaptertest.Backend),
	}
	for _, d := range defs {
		h.backends[d.Name] = adaptertest.NewBackend(adaptertest.Tool("ping", "Ping the server.", ""))
	}

	events := mcp.NewEventEmitter(nil)
	events.Subscribe(func(e mcp.ServerEvent) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})

	cfg := Config{
		IdleTimeout: 60 * time.Second,
		Breaker:     BreakerConfig{Threshold: 3, Window: time.Minute, BaseCooldown: time.Second, MaxCooldown: 30 * time.Second},
		NewBackend: func(def registry.ServerDefinition) (adapter.Backend, error) {
			b, ok := h.backends[def.Name]
			if !ok {
				return nil, fmt.Errorf("no backend for %s", def.Name)
			}
			return b, nil
		},
		Store:  h.store,
		Events: events,
		OnRestart: func(server string) {
			h.mu.Lock()
			h.restarts = append(h.restarts, server)
			h.mu.Unlock()
		},
		Now:  h.clock.Now,
		Rand: func() float64 { return 0 },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.sup = New(reg, cfg)
	t.Cleanup(func() { h.sup.Shutdown(context.Background()) })
	return h
}

func waitRunning(t *testing.T, s *Supervisor, name string) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State(name) == StateRunning }, 2*time.Second, 5*time.Millisecond)
}

func TestEnsureRunning_UnknownServer(t *testing.T) {
	h := newHarness(t, []registry.ServerDefinition{cold("a")}, nil)

	_, err := h.sup.EnsureRunning(context.Background(), "nope")
	assert.True(t, mcp.IsKind(err, mcp.KindUnknownServer))
}

func TestEnsureRunning_LazyStart(t *testing.T) {
	h := newHarness(t, []registry.ServerDefinition{cold("b")}, nil)
	b := h.backends["b"]

	assert.Equal(t, 0, b.Dials())
	assert.Equal(t, StateStopped, h.sup.State("b"))

	a, err := h.sup.EnsureRunning(context.Background(), "b")
	require.NoError(t, err)
	require.NotNil(t, a)
	waitRunning(t, h.sup, "b")
	assert.Equal(t, 1, b.Dials())

	again, err := h.sup.EnsureRunning(context.Background(), "b")
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, 1, b.Dials())
}

func TestEnsureRunning_AtMostOneProcess(t *testing.T) {
	h := newHarness(t, []registry.ServerDefinition{cold("b")}, nil)
	b := h.backends["b"]
	b.SetHandshakeDelay(20 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := h.sup.EnsureRunning(context.Background(), "b")
			assert.NoError(t, err)
			_, err = a.CallTool(context.Background(), "ping", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, b.Dials())
	assert.Equal(t, 1, b.MaxLive())
}

func TestEnsureRunning_AutoEnable(t *testing.T) {
	def := cold("b")
	def.Enabled = false
	h := newHarness(t, []registry.ServerDefinition{def}, nil)

	a, err := h.sup.EnsureRunning(context.Background(), "b")
	require.NoError(t, err)
	_, err = a.CallTool(context.Background(), "ping", nil)
	require.NoError(t, err)

	got, _ := h.reg.Get("b")
	assert.True(t, got.Enabled)
	saved, ok := h.store.get("b")
	assert.True(t, ok)
	assert.True(t, saved)
	assert.Contains(t, h.eventTypes("b"), mcp.EventEnabled)
}

func TestStopIdle(t *testing.T) {
	h := newHarness(t, []registry.ServerDefinition{hot("a"), cold("b")}, nil)
	require.NoError(t, h.sup.StartHot(context.Background()))
	_, err := h.sup.EnsureRunning(context.Background(), "b")
	require.NoError(t, err)
	waitRunning(t, h.sup, "a")
	waitRunning(t, h.sup, "b")

	h.clock.Advance(45 * time.Second)
	assert.Empty(t, h.sup.StopIdle(context.Background()))

	// Activity resets the deadline.
	h.sup.Touch("b")
	h.clock.Advance(45 * time.Second)
	assert.Empty(t, h.sup.StopIdle(context.Background()))

	h.clock.Advance(16 * time.Second)
	assert.Equal(t, []string{"b"}, h.sup.StopIdle(context.Background()))
	assert.Equal(t, StateStopped, h.sup.State("b"))
	assert.Equal(t, 0, h.backends["b"].Live())

	// Hot servers are never idle-killed.
	assert.Equal(t, StateRunning, h.sup.State("a"))
	assert.Equal(t, 1, h.backends["a"].Live())
}

func TestStopIdle_PerServerTimeout(t *testing.T) {
	def := cold("b")
	def.IdleTimeout = 5 * time.Second
	h := newHarness(t, []registry.ServerDefinition{def}, nil)
	_, err := h.sup.EnsureRunning(context.Background(), "b")
	require.NoError(t, err)

	h.clock.Advance(6 * time.Second)
	assert.Equal(t, []string{"b"}, h.sup.StopIdle(context.Background()))
}

func TestStopIdle_SkipsInFlight(t *testing.T) {
	h := newHarness(t, []registry.ServerDefinition{cold("b")}, nil)
	b := h.backends["b"]
	b.SetCallDelay(200 * time.Millisecond)

	a, err := h.sup.EnsureRunning(context.Background(), "b")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := a.CallTool(context.Background(), "ping", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return a.InFlight() == 1 }, time.Second, time.Millisecond)

	h.clock.Advance(2 * time.Minute)
	assert.Empty(t, h.sup.StopIdle(context.Background()))
	require.NoError(t, <-done)
}

func TestCircuitBreaker(t *testing.T) {
	h := newHarness(t, []registry.ServerDefinition{cold("b")}, nil)
	b := h.backends["b"]
	b.SetDialError(errors.New("exec: no such file"))

	for i := 0; i < 3; i++ {
		_, err := h.sup.EnsureRunning(context.Background(), "b")
		require.Error(t, err)
		assert.True(t, mcp.IsKind(err, mcp.KindStartFailed), "attempt %d: %v", i, err)
	}
	assert.Equal(t, StateCircuitOpen, h.sup.State("b"))

	// Fails fast without spawning.
	_, err := h.sup.EnsureRunning(context.Background(), "b")
	require.Error(t, err)
	assert.True(t, mcp.IsKind(err, mcp.KindCircuitOpen))
	e, _ := mcp.AsError(err)
	assert.Equal(t, time.Second, e.RetryAfter)
	assert.Equal(t, 3, b.Dials())
	assert.Contains(t, h.eventTypes("b"), mcp.EventCircuitOpen)

	// After the cooldown exactly one trial start happens.
	h.clock.Advance(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.sup.EnsureRunning(context.Background(), "b")
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, b.Dials())

	// The failed trial reopens with a longer cooldown.
	_, err = h.sup.EnsureRunning(context.Background(), "b")
	e, ok := mcp.AsError(err)
	require.True(t, ok)
	assert.Equal(t, mcp.KindCircuitOpen, e.Kind)
	assert.Equal(t, 2*time.Second, e.RetryAfter)

	// A successful trial closes the circuit.
	b.SetDialError(nil)
	h.clock.Advance(2 * time.Second)
	_, err = h.sup.EnsureRunning(context.Background(), "b")
	require.NoError(t, err)
	waitRunning(t, h.sup, "b")
	st, _ := h.sup.ServerStatus("b")
	assert.Nil(t, st.CircuitOpenUntil)
	assert.Equal(t, 0, st.Failures)
}

func TestCircuitBreaker_StopDuringTrial(t *testing.T) {
	tests := []struct {
		name string
		stop func(h *harness)
	}{
		{name: "stop", stop: func(h *harness) { h.sup.Stop("b", "config changed") }},
		{name: "disable", stop: func(h *harness) { require.NoError(t, h.sup.Disable(context.Background(), "b")) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []registry.ServerDefinition{cold("b")}, nil)
			b := h.backends["b"]
			b.SetDialError(errors.New("exec: no such file"))
			for i := 0; i < 3; i++ {
				_, _ = h.sup.EnsureRunning(context.Background(), "b")
			}
			require.Equal(t, StateCircuitOpen, h.sup.State("b"))

			// The trial spawns but is stopped before its handshake completes.
			h.clock.Advance(time.Second)
			b.SetDialError(nil)
			b.BlockHandshake(true)
			_, err := h.sup.EnsureRunning(context.Background(), "b")
			require.NoError(t, err)
			assert.Equal(t, StateStarting, h.sup.State("b"))

			tt.stop(h)
			assert.Equal(t, StateCircuitOpen, h.sup.State("b"))

			// The next start is a fresh trial, and a successful one closes
			// the circuit.
			b.BlockHandshake(false)
			_, err = h.sup.EnsureRunning(context.Background(), "b")
			require.NoError(t, err)
			waitRunning(t, h.sup, "b")
			assert.Equal(t, 5, b.Dials())
			st, _ := h.sup.ServerStatus("b")
			assert.Nil(t, st.CircuitOpenUntil)
		})
	}
}

func TestStatus_CircuitOpenAfterCooldown(t *testing.T) {
	h := newHarness(t, []registry.ServerDefinition{cold("b")}, nil)
	h.backends["b"].SetDialError(errors.New("exec: no such file"))
	for i := 0; i < 3; i++ {
		_, _ = h.sup.EnsureRunning(context.Background(), "b")
	}

	st, _ := h.sup.ServerStatus("b")
	assert.Equal(t, StateCircuitOpen, st.State)
	require.NotNil(t, st.CircuitOpenUntil)

	// Starts are still gated by the breaker until a trial succeeds.
	h.clock.Advance(time.Hour)
	st, _ = h.sup.ServerStatus("b")
	assert.Equal(t, StateCircuitOpen, st.State)
	assert.Nil(t, st.CircuitOpenUntil)
}

func TestCrashRestartInvalidates(t *testing.T) {
	h := newHarness(t, []registry.ServerDefinition{cold("b")}, nil)
	b := h.backends["b"]

	_, err := h.sup.EnsureRunning(context.Background(), "b")
	require.NoError(t, err)
	waitRunning(t, h.sup, "b")
	assert.Empty(t, h.restarted())

	b.Last().Crash(nil)
	require.Eventually(t, func() bool { return h.sup.State("b") == StateCrashed }, time.Second, time.Millisecond)
	st, _ := h.sup.ServerStatus("b")
	assert.Equal(t, 1, st.Failures)
	assert.Contains(t, st.LastError, "process exited")

	_, err = h.sup.EnsureRunning(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, h.restarted())
	assert.Equal(t, 2, b.Dials())
	assert.Equal(t, 1, b.Live())
}

func TestHandshakeFailureCounts(t *testing.T) {
	h := newHarness(t, []registry.ServerDefinition{cold("b")}, nil)
	h.backends["b"].SetInitError(&mcp.RPCError{Code: -32600, Message: "nope"})

	a, err := h.sup.EnsureRunning(context.Background(), "b")
	require.NoError(t, err, "spawn succeeds; the handshake fails later")
	_, err = a.CallTool(context.Background(), "ping", nil)
	assert.True(t, mcp.IsKind(err, mcp.KindNotInitialized))

	require.Eventually(t, func() bool {
		st, _ := h.sup.ServerStatus("b")
		return st.Failures == 1
	}, time.Second, time.Millisecond)
}

func TestEnableDisable(t *testing.T) {
	h := newHarness(t, []registry.ServerDefinition{cold("b")}, nil)
	_, err := h.sup.EnsureRunning(context.Background(), "b")
	require.NoError(t, err)

	require.NoError(t, h.sup.Disable(context.Background(), "b"))
	def, _ := h.reg.Get("b")
	assert.False(t, def.Enabled)
	assert.Equal(t, StateStopped, h.sup.State("b"))
	assert.Equal(t, 0, h.backends["b"].Live())
	saved, _ := h.store.get("b")
	assert.False(t, saved)

	require.NoError(t, h.sup.Enable(context.Background(), "b"))
	def, _ = h.reg.Get("b")
	assert.True(t, def.Enabled)
	assert.Equal(t, 1, h.backends["b"].Dials(), "enable does not start the process")

	assert.True(t, mcp.IsKind(h.sup.Enable(context.Background(), "zz"), mcp.KindUnknownServer))
}

func TestFetchTools(t *testing.T) {
	disabled := cold("off")
	disabled.Enabled = false
	h := newHarness(t, []registry.ServerDefinition{cold("on"), disabled}, nil)

	t.Run("enabled server starts", func(t *testing.T) {
		tools, err := h.sup.FetchTools(context.Background(), "on")
		require.NoError(t, err)
		assert.Len(t, tools, 1)
		assert.Equal(t, 1, h.backends["on"].Live())
	})

	t.Run("disabled server is fetched without side effects", func(t *testing.T) {
		tools, err := h.sup.FetchTools(context.Background(), "off")
		require.NoError(t, err)
		assert.Len(t, tools, 1)

		def, _ := h.reg.Get("off")
		assert.False(t, def.Enabled)
		assert.Equal(t, 0, h.backends["off"].Live())
		assert.Equal(t, StateStopped, h.sup.State("off"))
		_, saved := h.store.get("off")
		assert.False(t, saved)
	})

	t.Run("unknown server", func(t *testing.T) {
		_, err := h.sup.FetchTools(context.Background(), "nope")
		assert.True(t, mcp.IsKind(err, mcp.KindUnknownServer))
	})
}

func TestStartHot(t *testing.T) {
	off := hot("off")
	off.Enabled = false
	h := newHarness(t, []registry.ServerDefinition{hot("a"), cold("b"), off}, nil)

	require.NoError(t, h.sup.StartHot(context.Background()))
	assert.Equal(t, 1, h.backends["a"].Dials())
	assert.Equal(t, 0, h.backends["b"].Dials())
	assert.Equal(t, 0, h.backends["off"].Dials())
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, []registry.ServerDefinition{cold("a"), cold("b")}, nil)
	for _, n := range []string{"a", "b"} {
		_, err := h.sup.EnsureRunning(context.Background(), n)
		require.NoError(t, err)
	}

	changed := cold("b")
	changed.Args = []string{"--verbose"}
	diff, err := h.reg.Replace([]registry.ServerDefinition{changed, hot("c")})
	require.NoError(t, err)
	h.backends["c"] = adaptertest.NewBackend()

	require.NoError(t, h.sup.Reconcile(context.Background(), diff))
	assert.Equal(t, 0, h.backends["a"].Live(), "removed server stopped")
	assert.Equal(t, 0, h.backends["b"].Live(), "changed server stopped")
	assert.Equal(t, 1, h.backends["c"].Live(), "new hot server started")
}

func TestStatus(t *testing.T) {
	h := newHarness(t, []registry.ServerDefinition{hot("a"), cold("b")}, nil)
	require.NoError(t, h.sup.StartHot(context.Background()))
	waitRunning(t, h.sup, "a")

	st := h.sup.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "a", st[0].Name)
	assert.Equal(t, StateRunning, st[0].State)
	assert.NotZero(t, st[0].PID)
	assert.NotNil(t, st[0].StartedAt)
	assert.Equal(t, "b", st[1].Name)
	assert.Equal(t, StateStopped, st[1].State)
	assert.Equal(t, registry.KindCommand, st[1].Kind)
}

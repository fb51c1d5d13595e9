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

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/toolgate/internal/mcp"
)

type fakeHandler struct {
	mu        sync.Mutex
	calls     []string
	gates     map[string]chan struct{}
	cancelled chan string
	tools     []json.RawMessage
	err       error
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{gates: make(map[string]chan struct{}), cancelled: make(chan string, 16)}
}

// gate makes calls to tool block until the returned func is called.
func (h *fakeHandler) gate(tool string) func() {
	ch := make(chan struct{})
	h.mu.Lock()
	h.gates[tool] = ch
	h.mu.Unlock()
	return func() { close(ch) }
}

func (h *fakeHandler) ListTools(ctx context.Context) ([]json.RawMessage, error) {
	return h.tools, nil
}

func (h *fakeHandler) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	h.mu.Lock()
	h.calls = append(h.calls, name)
	gate := h.gates[name]
	err := h.err
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			h.cancelled <- name
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(name), nil
}

func (h *fakeHandler) called() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type frame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *mcp.RPCError   `json:"error"`
}

type recorder struct {
	frames chan []byte
}

func newRecorder() *recorder {
	return &recorder{frames: make(chan []byte, 128)}
}

func (r *recorder) sink(b []byte) error {
	r.frames <- append([]byte(nil), b...)
	return nil
}

func (r *recorder) next(t *testing.T) frame {
	t.Helper()
	select {
	case b := <-r.frames:
		var f frame
		require.NoError(t, json.Unmarshal(b, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case b := <-r.frames:
		t.Fatalf("unexpected frame %s", b)
	case <-time.After(d):
	}
}

func request(id int, method string, params any) []byte {
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	b, _ := json.Marshal(req)
	return b
}

func notify(method string, params any) []byte {
	n := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		n["params"] = params
	}
	b, _ := json.Marshal(n)
	return b
}

func call(id int, tool string) []byte {
	return request(id, mcp.MethodToolsCall, map[string]any{"name": tool, "arguments": map[string]any{}})
}

func newTestManager(h Handler, mutate func(*Config)) *Manager {
	cfg := Config{ServerInfo: mcp.Implementation{Name: "toolgate", Version: "test"}}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(h, cfg)
}

func handshake(t *testing.T, s *Session, rec *recorder) {
	t.Helper()
	require.NoError(t, s.Receive(request(0, mcp.MethodInitialize, map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0"},
	})))
	f := rec.next(t)
	require.Equal(t, "0", string(f.ID))
	require.NoError(t, s.Receive(notify(mcp.MethodInitialized, nil)))
	require.Eventually(t, s.Ready, time.Second, 5*time.Millisecond)
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name    string
		params  any
		version string
	}{
		{name: "echoes client version", params: map[string]any{"protocolVersion": "2024-11-05"}, version: "2024-11-05"},
		{name: "defaults to latest", params: nil, version: mcp.LatestProtocolVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(newFakeHandler(), nil)
			rec := newRecorder()
			s := m.Open(rec.sink)

			require.NoError(t, s.Receive(request(1, mcp.MethodInitialize, tt.params)))
			f := rec.next(t)
			require.Nil(t, f.Error)

			var result mcp.InitializeResult
			require.NoError(t, json.Unmarshal(f.Result, &result))
			assert.Equal(t, tt.version, result.ProtocolVersion)
			require.NotNil(t, result.Capabilities.Tools)
			assert.True(t, result.Capabilities.Tools.ListChanged)
			assert.Equal(t, "toolgate", result.ServerInfo.Name)
			assert.Equal(t, tt.version, s.ProtocolVersion())
			assert.False(t, s.Ready())
		})
	}
}

func TestInitializeTwice(t *testing.T) {
	m := newTestManager(newFakeHandler(), nil)
	rec := newRecorder()
	s := m.Open(rec.sink)
	handshake(t, s, rec)

	require.NoError(t, s.Receive(request(9, mcp.MethodInitialize, nil)))
	f := rec.next(t)
	require.NotNil(t, f.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, f.Error.Code)
}

func TestRequestsHeldUntilHandshake(t *testing.T) {
	h := newFakeHandler()
	m := newTestManager(h, nil)
	rec := newRecorder()
	s := m.Open(rec.sink)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Receive(call(i, fmt.Sprintf("t%d", i))))
	}
	rec.none(t, 50*time.Millisecond)
	assert.Empty(t, h.called())

	handshake(t, s, rec)

	for i := 1; i <= 5; i++ {
		f := rec.next(t)
		assert.Equal(t, fmt.Sprint(i), string(f.ID))
		assert.Nil(t, f.Error)
	}
	assert.Equal(t, []string{"t1", "t2", "t3", "t4", "t5"}, h.called())
}

func TestHeldRequestExpires(t *testing.T) {
	h := newFakeHandler()
	m := newTestManager(h, func(c *Config) { c.HandshakeTimeout = 30 * time.Millisecond })
	rec := newRecorder()
	s := m.Open(rec.sink)

	require.NoError(t, s.Receive(call(1, "t")))
	f := rec.next(t)
	require.NotNil(t, f.Error)
	assert.Equal(t, mcp.CodeNotInitialized, f.Error.Code)
	assert.Contains(t, string(f.Error.Data), string(mcp.KindNotInitialized))

	handshake(t, s, rec)
	rec.none(t, 50*time.Millisecond)
	assert.Empty(t, h.called())
}

func TestBacklogFull(t *testing.T) {
	m := newTestManager(newFakeHandler(), func(c *Config) { c.QueueDepth = 2 })
	rec := newRecorder()
	s := m.Open(rec.sink)

	require.NoError(t, s.Receive(call(1, "a")))
	require.NoError(t, s.Receive(call(2, "b")))
	require.NoError(t, s.Receive(call(3, "c")))

	f := rec.next(t)
	assert.Equal(t, "3", string(f.ID))
	require.NotNil(t, f.Error)
	assert.Equal(t, mcp.CodeNotInitialized, f.Error.Code)
}

func TestConcurrentForwarding(t *testing.T) {
	h := newFakeHandler()
	release := h.gate("slow")
	m := newTestManager(h, nil)
	rec := newRecorder()
	s := m.Open(rec.sink)
	handshake(t, s, rec)

	require.NoError(t, s.Receive(call(1, "slow")))
	require.NoError(t, s.Receive(call(2, "fast")))

	f := rec.next(t)
	assert.Equal(t, "2", string(f.ID))

	release()
	f = rec.next(t)
	assert.Equal(t, "1", string(f.ID))
	assert.JSONEq(t, string(mcp.TextResult("slow")), string(f.Result))
}

func TestDuplicateInFlightID(t *testing.T) {
	h := newFakeHandler()
	release := h.gate("slow")
	defer release()
	m := newTestManager(h, nil)
	rec := newRecorder()
	s := m.Open(rec.sink)
	handshake(t, s, rec)

	require.NoError(t, s.Receive(call(1, "slow")))
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Receive(call(1, "other")))

	f := rec.next(t)
	require.NotNil(t, f.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, f.Error.Code)
}

func TestClientCancellation(t *testing.T) {
	h := newFakeHandler()
	h.gate("slow")
	m := newTestManager(h, nil)
	rec := newRecorder()
	s := m.Open(rec.sink)
	handshake(t, s, rec)

	require.NoError(t, s.Receive(call(7, "slow")))
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Receive(notify(mcp.MethodCancelled, map[string]any{"requestId": 7, "reason": "user"})))

	select {
	case name := <-h.cancelled:
		assert.Equal(t, "slow", name)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not cancelled")
	}
	rec.none(t, 50*time.Millisecond)
	assert.Zero(t, s.InFlight())
}

func TestMethodRouting(t *testing.T) {
	tests := []struct {
		name string
		req  []byte
		code int
	}{
		{name: "ping before initialize", req: request(1, mcp.MethodPing, nil)},
		{name: "unknown method", req: request(2, "resources/list", nil), code: mcp.CodeMethodNotFound},
		{name: "missing method", req: []byte(`{"jsonrpc":"2.0","id":3}`), code: mcp.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(newFakeHandler(), nil)
			rec := newRecorder()
			s := m.Open(rec.sink)

			require.NoError(t, s.Receive(tt.req))
			f := rec.next(t)
			if tt.code == 0 {
				require.Nil(t, f.Error)
				assert.JSONEq(t, `{}`, string(f.Result))
				return
			}
			require.NotNil(t, f.Error)
			assert.Equal(t, tt.code, f.Error.Code)
		})
	}
}

func TestToolsList(t *testing.T) {
	tests := []struct {
		name  string
		tools []json.RawMessage
		want  string
	}{
		{name: "empty", want: `{"tools":[]}`},
		{name: "relayed", tools: []json.RawMessage{json.RawMessage(`{"name":"find"}`)}, want: `{"tools":[{"name":"find"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHandler()
			h.tools = tt.tools
			m := newTestManager(h, nil)
			rec := newRecorder()
			s := m.Open(rec.sink)
			handshake(t, s, rec)

			require.NoError(t, s.Receive(request(1, mcp.MethodToolsList, nil)))
			f := rec.next(t)
			require.Nil(t, f.Error)
			assert.JSONEq(t, tt.want, string(f.Result))
		})
	}
}

func TestCallErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind mcp.Kind
	}{
		{name: "typed", err: mcp.ErrUnknownTool("x"), code: mcp.CodeInvalidParams, kind: mcp.KindUnknownTool},
		{name: "circuit open", err: mcp.ErrCircuitOpen("a", time.Second), code: mcp.CodeCircuitOpen, kind: mcp.KindCircuitOpen},
		{name: "backend rpc error passes through", err: &mcp.RPCError{Code: 42, Message: "nope"}, code: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHandler()
			h.err = tt.err
			m := newTestManager(h, nil)
			rec := newRecorder()
			s := m.Open(rec.sink)
			handshake(t, s, rec)

			require.NoError(t, s.Receive(call(1, "t")))
			f := rec.next(t)
			require.NotNil(t, f.Error)
			assert.Equal(t, tt.code, f.Error.Code)
			if tt.kind != "" {
				var data struct {
					Kind mcp.Kind `json:"kind"`
				}
				require.NoError(t, json.Unmarshal(f.Error.Data, &data))
				assert.Equal(t, tt.kind, data.Kind)
			}
		})
	}
}

func TestInvalidCallParams(t *testing.T) {
	m := newTestManager(newFakeHandler(), nil)
	rec := newRecorder()
	s := m.Open(rec.sink)
	handshake(t, s, rec)

	require.NoError(t, s.Receive(request(1, mcp.MethodToolsCall, map[string]any{"arguments": map[string]any{}})))
	f := rec.next(t)
	require.NotNil(t, f.Error)
	assert.Equal(t, mcp.CodeInvalidParams, f.Error.Code)
}

func TestBatch(t *testing.T) {
	m := newTestManager(newFakeHandler(), nil)
	rec := newRecorder()
	s := m.Open(rec.sink)

	batch := fmt.Sprintf("[%s,%s]", request(1, mcp.MethodPing, nil), request(2, mcp.MethodPing, nil))
	require.NoError(t, s.Receive([]byte(batch)))

	ids := map[string]bool{}
	for range 2 {
		ids[string(rec.next(t).ID)] = true
	}
	assert.Equal(t, map[string]bool{"1": true, "2": true}, ids)
}

func TestMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "empty", frame: "  "},
		{name: "truncated", frame: `{"jsonrpc":`},
		{name: "empty batch", frame: `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(newFakeHandler(), nil)
			s := m.Open(newRecorder().sink)
			assert.ErrorIs(t, s.Receive([]byte(tt.frame)), ErrMalformed)
		})
	}
}

func TestRateLimit(t *testing.T) {
	m := newTestManager(newFakeHandler(), func(c *Config) {
		c.RateLimit = RateLimitConfig{RPS: 0.001, Burst: 2}
	})
	s := m.Open(newRecorder().sink)

	require.NoError(t, s.Receive(request(1, mcp.MethodPing, nil)))
	require.NoError(t, s.Receive(request(2, mcp.MethodPing, nil)))
	assert.ErrorIs(t, s.Receive(request(3, mcp.MethodPing, nil)), ErrRateLimited)
}

func TestBroadcastReachesReadySessions(t *testing.T) {
	m := newTestManager(newFakeHandler(), nil)
	readyRec, pendingRec := newRecorder(), newRecorder()
	ready := m.Open(readyRec.sink)
	m.Open(pendingRec.sink)
	handshake(t, ready, readyRec)

	n := m.Broadcast(mcp.MethodToolsListChanged, nil)
	assert.Equal(t, 1, n)

	f := readyRec.next(t)
	assert.Equal(t, mcp.MethodToolsListChanged, f.Method)
	pendingRec.none(t, 30*time.Millisecond)
}

func TestBroadcastDoesNotWaitOnStalledClient(t *testing.T) {
	m := newTestManager(newFakeHandler(), nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var stall atomic.Bool
	stalledRec := newRecorder()
	stalled := m.Open(func(b []byte) error {
		if stall.Load() {
			<-release
			return nil
		}
		return stalledRec.sink(b)
	})
	handshake(t, stalled, stalledRec)
	stall.Store(true)

	healthyRec := newRecorder()
	healthy := m.Open(healthyRec.sink)
	handshake(t, healthy, healthyRec)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4*noticeQueueDepth; i++ {
			m.Broadcast(mcp.MethodToolsListChanged, nil)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a client that stopped reading")
	}

	f := healthyRec.next(t)
	assert.Equal(t, mcp.MethodToolsListChanged, f.Method)
}

func TestCloseIdle(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	h := newFakeHandler()
	release := h.gate("slow")
	defer release()
	m := newTestManager(h, func(c *Config) {
		c.IdleTimeout = time.Minute
		c.Now = clock
	})
	idleRec, busyRec, activeRec := newRecorder(), newRecorder(), newRecorder()
	idle := m.Open(idleRec.sink)
	busy := m.Open(busyRec.sink)
	active := m.Open(activeRec.sink)

	handshake(t, busy, busyRec)
	require.NoError(t, busy.Receive(call(1, "slow")))
	require.Eventually(t, func() bool { return busy.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	advance(50 * time.Second)
	require.NoError(t, active.Receive(request(1, mcp.MethodPing, nil)))
	advance(20 * time.Second)

	closed := m.CloseIdle()
	assert.Equal(t, []string{idle.ID()}, closed)
	assert.Equal(t, 2, m.Len())

	select {
	case <-idle.Done():
	default:
		t.Fatal("idle session not closed")
	}
	assert.ErrorIs(t, idle.Receive(request(2, mcp.MethodPing, nil)), ErrClosed)
}

func TestCloseCancelsInFlight(t *testing.T) {
	h := newFakeHandler()
	h.gate("slow")
	m := newTestManager(h, nil)
	rec := newRecorder()
	s := m.Open(rec.sink)
	handshake(t, s, rec)

	require.NoError(t, s.Receive(call(1, "slow")))
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	m.Close(s.ID())
	select {
	case <-h.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call not cancelled")
	}
	s.Wait()
	_, ok := m.Get(s.ID())
	assert.False(t, ok)
}

func TestUnknownSession(t *testing.T) {
	m := newTestManager(newFakeHandler(), nil)
	assert.ErrorIs(t, m.Receive("missing", request(1, mcp.MethodPing, nil)), ErrUnknownSession)
}

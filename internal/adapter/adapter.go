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

// Package adapter speaks the tool protocol to one backend server. It owns
// the handshake state machine, queues calls that arrive before the backend
// is ready, and forwards results without re-encoding them.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/mcp"
)

// State is the adapter's position in the handshake state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateHandshaking  State = "handshaking"
	StateReady        State = "ready"
	StateClosed       State = "closed"
	StateFaulted      State = "faulted"
)

// maxListPages bounds tools/list pagination against a misbehaving backend.
const maxListPages = 100

var errClosed = errors.New("adapter closed")

// Config configures an Adapter.
type Config struct {
	// Server is the registry name of the backend.
	Server string

	// QueueDepth bounds calls waiting for dispatch (default 64).
	QueueDepth int

	// HandshakeTimeout bounds initialize plus the initialized notification (default 30s).
	HandshakeTimeout time.Duration

	// CallTimeout bounds each forwarded call. Zero leaves it to the caller's context.
	CallTimeout time.Duration

	// MaxInFlight bounds concurrently forwarded calls (default 1).
	MaxInFlight int

	// ClientInfo identifies the gateway during the backend handshake.
	ClientInfo mcp.Implementation

	Logger *slog.Logger

	// OnReady runs once after the handshake completes.
	OnReady func(startup time.Duration)

	// OnFault runs once when the backend fails. It is not called on Close.
	OnFault func(err error)

	// OnNotification receives backend notifications.
	OnNotification func(Notification)
}

func (c *Config) setDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 1
	}
	if c.ClientInfo.Name == "" {
		c.ClientInfo = mcp.Implementation{Name: "toolgate", Version: "dev"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type callResult struct {
	raw json.RawMessage
	err error
}

type call struct {
	ctx    context.Context
	method string
	params json.RawMessage
	result chan callResult
}

// Adapter manages one connection to a backend. Calls are dispatched in
// arrival order by a single goroutine; at most MaxInFlight are outstanding.
type Adapter struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	err        error
	conn       Conn
	serverInfo mcp.Implementation
	protocol   string
	startedAt  time.Time

	queue  chan *call
	sem    chan struct{}
	ready  chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	pending  atomic.Int64
	inFlight atomic.Int64
}

// New creates a disconnected adapter for backend.
func New(backend Backend, cfg Config) *Adapter {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg:     cfg,
		backend: backend,
		logger:  log.WithServer(log.WithComponent(cfg.Logger, "adapter"), cfg.Server),
		state:   StateDisconnected,
		queue:   make(chan *call, cfg.QueueDepth),
		sem:     make(chan struct{}, cfg.MaxInFlight),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start dials the backend and begins the handshake. It returns once the
// connection exists; calls made before the handshake completes are queued.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateDisconnected {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("adapter for %s already started (state %s)", a.cfg.Server, state)
	}
	a.state = StateHandshaking
	a.startedAt = time.Now()
	a.mu.Unlock()

	conn, err := a.backend.Dial(ctx)
	if err != nil {
		a.closeWith(err)
		return err
	}
	conn.OnNotification(a.handleNotification)
	if err := conn.Start(a.ctx); err != nil {
		_ = conn.Close()
		a.closeWith(err)
		return fmt.Errorf("start transport: %w", err)
	}

	a.mu.Lock()
	if a.state != StateHandshaking {
		// Closed while dialing.
		a.mu.Unlock()
		_ = conn.Close()
		return a.Err()
	}
	a.conn = conn
	a.mu.Unlock()

	handshakesStarted.WithLabelValues(a.cfg.Server).Inc()
	go a.watch(conn)
	go a.handshake(conn)
	go a.dispatch()
	return nil
}

// State returns the current state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the terminal error once the adapter is closed or faulted.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Ready is closed when the handshake completes.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// Done is closed when the adapter is closed or faulted.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Alive reports whether the adapter can still serve calls.
func (a *Adapter) Alive() bool {
	switch a.State() {
	case StateHandshaking, StateReady:
		return true
	default:
		return false
	}
}

// InFlight returns the number of calls accepted but not yet answered.
func (a *Adapter) InFlight() int { return int(a.pending.Load()) }

// QueueLen returns the number of calls waiting for dispatch.
func (a *Adapter) QueueLen() int { return len(a.queue) }

// ServerInfo returns what the backend reported during the handshake.
func (a *Adapter) ServerInfo() mcp.Implementation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serverInfo
}

// ProtocolVersion returns the version the backend agreed to.
func (a *Adapter) ProtocolVersion() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.protocol
}

// PID returns the backend process id, or 0.
func (a *Adapter) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return 0
	}
	return a.conn.PID()
}

// Call forwards one request. While the handshake is in progress the call is
// queued; if the queue is full it fails with NotInitialized.
func (a *Adapter) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	a.pending.Add(1)
	defer a.pending.Add(-1)

	if a.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.CallTimeout)
		defer cancel()
	}

	c := &call{ctx: ctx, method: method, params: params, result: make(chan callResult, 1)}

	switch a.State() {
	case StateClosed, StateFaulted:
		return nil, a.Err()
	case StateReady:
		select {
		case a.queue <- c:
		case <-ctx.Done():
			return nil, a.ctxErr(ctx, method)
		case <-a.done:
			return nil, a.Err()
		}
	default:
		select {
		case a.queue <- c:
		default:
			queueRejections.WithLabelValues(a.cfg.Server).Inc()
			return nil, mcp.ErrNotInitialized(a.cfg.Server,
				fmt.Sprintf("handshake in progress and %d calls already queued", a.cfg.QueueDepth))
		}
	}

	select {
	case r := <-c.result:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, a.ctxErr(ctx, method)
	case <-a.done:
		select {
		case r := <-c.result:
			return r.raw, r.err
		default:
			return nil, a.Err()
		}
	}
}

// ListTools returns every tool the backend declares, following pagination.
// Each entry is the backend's raw tool object.
func (a *Adapter) ListTools(ctx context.Context) ([]json.RawMessage, error) {
	var (
		tools  []json.RawMessage
		cursor string
	)
	for page := 0; page < maxListPages; page++ {
		var params json.RawMessage
		if cursor != "" {
			params, _ = json.Marshal(mcp.ListToolsParams{Cursor: cursor})
		}
		raw, err := a.Call(ctx, mcp.MethodToolsList, params)
		if err != nil {
			return nil, err
		}
		var res mcp.ListToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, mcp.ErrBackendUnavailable(a.cfg.Server, fmt.Errorf("decode tools/list: %w", err))
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
	a.logger.Warn("tools/list pagination limit reached", slog.Int("pages", maxListPages))
	return tools, nil
}

// CallTool invokes a backend tool and returns its result payload verbatim.
func (a *Adapter) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	params, err := json.Marshal(mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, mcp.ErrInvalidParams("arguments for %s: %v", name, err)
	}
	return a.Call(ctx, mcp.MethodToolsCall, params)
}

// Close shuts the backend down. Pending calls fail with the close error.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.state == StateClosed || a.state == StateFaulted {
		a.mu.Unlock()
		return nil
	}
	a.state = StateClosed
	a.err = mcp.ErrBackendUnavailable(a.cfg.Server, errClosed)
	conn := a.conn
	close(a.done)
	a.cancel()
	a.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (a *Adapter) ctxErr(ctx context.Context, method string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return mcp.ErrTimeout(a.cfg.Server, method, ctx.Err())
	}
	return ctx.Err()
}

// closeWith marks a failed start. The caller owns reporting the error.
func (a *Adapter) closeWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateClosed || a.state == StateFaulted {
		return
	}
	a.state = StateFaulted
	a.err = mcp.ErrStartFailed(a.cfg.Server, err)
	close(a.done)
	a.cancel()
}

// fault moves the adapter to faulted, terminates the backend and notifies
// the owner. Only the first fault wins.
func (a *Adapter) fault(err error) {
	a.mu.Lock()
	if a.state == StateClosed || a.state == StateFaulted {
		a.mu.Unlock()
		return
	}
	a.state = StateFaulted
	a.err = err
	conn := a.conn
	close(a.done)
	a.cancel()
	a.mu.Unlock()

	a.logger.Warn("backend faulted", log.Error(err))
	faults.WithLabelValues(a.cfg.Server, string(mcp.KindOf(err))).Inc()
	if conn != nil {
		_ = conn.Close()
	}
	if a.cfg.OnFault != nil {
		a.cfg.OnFault(err)
	}
}

func (a *Adapter) watch(conn Conn) {
	select {
	case <-conn.Done():
		cause := conn.Err()
		if cause == nil {
			cause = errors.New("connection closed")
		}
		a.fault(mcp.ErrBackendUnavailable(a.cfg.Server, cause))
	case <-a.done:
	}
}

func (a *Adapter) handshake(conn Conn) {
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.HandshakeTimeout)
	defer cancel()

	params, _ := json.Marshal(mcp.InitializeParams{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    json.RawMessage(`{}`),
		ClientInfo:      a.cfg.ClientInfo,
	})

	raw, err := conn.Request(ctx, mcp.MethodInitialize, params)
	if err != nil {
		a.handshakeFailed(ctx, err)
		return
	}

	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		a.fault(mcp.ErrBackendUnavailable(a.cfg.Server, fmt.Errorf("decode initialize result: %w", err)))
		return
	}

	if err := conn.Notify(ctx, mcp.MethodInitialized, nil); err != nil {
		a.handshakeFailed(ctx, err)
		return
	}

	a.mu.Lock()
	if a.state != StateHandshaking {
		a.mu.Unlock()
		return
	}
	a.state = StateReady
	a.serverInfo = res.ServerInfo
	a.protocol = res.ProtocolVersion
	startup := time.Since(a.startedAt)
	close(a.ready)
	a.mu.Unlock()

	handshakeDuration.WithLabelValues(a.cfg.Server).Observe(startup.Seconds())
	a.logger.Info("backend ready",
		slog.String("backend", res.ServerInfo.Name),
		slog.String("protocol_version", res.ProtocolVersion),
		log.Duration(log.DurationKey, startup.Milliseconds()),
	)
	if a.cfg.OnReady != nil {
		a.cfg.OnReady(startup)
	}
}

func (a *Adapter) handshakeFailed(ctx context.Context, err error) {
	if a.ctx.Err() != nil {
		// Closed or faulted elsewhere.
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		a.fault(mcp.ErrNotInitialized(a.cfg.Server,
			fmt.Sprintf("handshake did not complete within %s", a.cfg.HandshakeTimeout)).WithCause(err))
		return
	}
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		a.fault(mcp.ErrNotInitialized(a.cfg.Server, "initialize rejected: "+rpcErr.Message).WithCause(err))
		return
	}
	a.fault(mcp.ErrBackendUnavailable(a.cfg.Server, fmt.Errorf("handshake: %w", err)))
}

// dispatch drains the queue in arrival order once the handshake completes.
func (a *Adapter) dispatch() {
	select {
	case <-a.ready:
	case <-a.done:
		a.drain()
		return
	}

	for {
		select {
		case <-a.done:
			a.drain()
			return
		case c := <-a.queue:
			if err := c.ctx.Err(); err != nil {
				c.result <- callResult{err: a.ctxErr(c.ctx, c.method)}
				continue
			}
			select {
			case a.sem <- struct{}{}:
			case <-a.done:
				c.result <- callResult{err: a.Err()}
				a.drain()
				return
			}
			go a.send(c)
		}
	}
}

func (a *Adapter) drain() {
	err := a.Err()
	for {
		select {
		case c := <-a.queue:
			c.result <- callResult{err: err}
		default:
			return
		}
	}
}

func (a *Adapter) send(c *call) {
	defer func() { <-a.sem }()

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	a.inFlight.Add(1)
	inFlightGauge.WithLabelValues(a.cfg.Server).Inc()
	start := time.Now()
	raw, err := conn.Request(ctx, c.method, c.params)
	elapsed := time.Since(start)
	inFlightGauge.WithLabelValues(a.cfg.Server).Dec()
	a.inFlight.Add(-1)

	if err != nil {
		err = a.classify(c, err)
	}
	recordCall(a.ctx, a.cfg.Server, c.method, elapsed, err)
	c.result <- callResult{raw: raw, err: err}
}

// classify maps a transport-level failure onto the error taxonomy.
// Backend protocol errors pass through untouched.
func (a *Adapter) classify(c *call, err error) error {
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	select {
	case <-a.done:
		return a.Err()
	default:
	}
	if c.ctx.Err() != nil {
		return a.ctxErr(c.ctx, c.method)
	}
	unavailable := mcp.ErrBackendUnavailable(a.cfg.Server, err)
	a.fault(unavailable)
	return unavailable
}

func (a *Adapter) handleNotification(n Notification) {
	log.Trace(a.logger, "backend notification", slog.String(log.MethodKey, n.Method))
	if a.cfg.OnNotification != nil {
		a.cfg.OnNotification(n)
	}
}

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

// Package adaptertest provides an in-memory backend for exercising the
// adapter and everything layered on top of it without spawning processes.
package adaptertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/toolgate/internal/adapter"
	"github.com/tombee/toolgate/internal/mcp"
	"github.com/tombee/toolgate/internal/registry"
)

// ErrClosed is returned by requests on a closed fake connection.
var ErrClosed = errors.New("fake connection closed")

// CallFunc handles a tools/call on the fake backend.
type CallFunc func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

// Tool builds a raw tool declaration. schema must be a JSON object.
func Tool(name, description, schema string) json.RawMessage {
	if schema == "" {
		schema = `{"type":"object"}`
	}
	desc, _ := json.Marshal(description)
	return json.RawMessage(fmt.Sprintf(`{"name":%q,"description":%s,"inputSchema":%s}`, name, desc, schema))
}

// Backend is a fake adapter.Backend. Each Dial yields a new Conn that acts
// like a freshly spawned process.
type Backend struct {
	mu             sync.Mutex
	kind           registry.Kind
	tools          []json.RawMessage
	pageSize       int
	handshakeDelay time.Duration
	blockHandshake bool
	dialErr        error
	initErr        *mcp.RPCError
	callFunc       CallFunc
	callDelay      time.Duration

	dials     int
	live      int
	maxLive   int
	listCalls int
	conns     []*Conn
}

// NewBackend creates a command-kind fake serving tools.
func NewBackend(tools ...json.RawMessage) *Backend {
	return &Backend{kind: registry.KindCommand, tools: tools}
}

// Kind implements adapter.Backend.
func (b *Backend) Kind() registry.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kind
}

// Dial implements adapter.Backend.
func (b *Backend) Dial(ctx context.Context) (adapter.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	b.live++
	if b.live > b.maxLive {
		b.maxLive = b.live
	}
	c := &Conn{b: b, pid: 1000 + b.dials, done: make(chan struct{})}
	b.conns = append(b.conns, c)
	return c, nil
}

// SetKind changes the reported backend kind.
func (b *Backend) SetKind(kind registry.Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kind = kind
}

// SetTools replaces the declared tools.
func (b *Backend) SetTools(tools ...json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools = tools
}

// SetPageSize paginates tools/list responses.
func (b *Backend) SetPageSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pageSize = n
}

// SetHandshakeDelay delays the initialize response.
func (b *Backend) SetHandshakeDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handshakeDelay = d
}

// BlockHandshake makes initialize never answer.
func (b *Backend) BlockHandshake(block bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockHandshake = block
}

// SetDialError makes every Dial fail.
func (b *Backend) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetInitError makes initialize answer with a protocol error.
func (b *Backend) SetInitError(err *mcp.RPCError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initErr = err
}

// SetCallHandler sets a custom tools/call handler.
func (b *Backend) SetCallHandler(f CallFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callFunc = f
}

// SetCallDelay delays every tools/call.
func (b *Backend) SetCallDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callDelay = d
}

// Dials returns how many connections were attempted.
func (b *Backend) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Live returns how many connections are currently open.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// MaxLive returns the most connections ever open at once.
func (b *Backend) MaxLive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxLive
}

// ListCalls returns how many tools/list requests were served.
func (b *Backend) ListCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

// Last returns the most recent connection, or nil.
func (b *Backend) Last() *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// Conn is one fake connection.
type Conn struct {
	b    *Backend
	pid  int
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	err       error
	handler   func(adapter.Notification)
	methods   []string
	calls     []string
	active    int
	maxActive int
}

// Start implements adapter.Conn.
func (c *Conn) Start(ctx context.Context) error { return nil }

// Request implements adapter.Conn.
func (c *Conn) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	c.mu.Lock()
	c.methods = append(c.methods, method)
	c.mu.Unlock()

	switch method {
	case mcp.MethodInitialize:
		return c.initialize(ctx)
	case mcp.MethodToolsList:
		return c.listTools(params)
	case mcp.MethodToolsCall:
		return c.callTool(ctx, params)
	case mcp.MethodPing:
		return json.RawMessage(`{}`), nil
	default:
		return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "method not found: " + method}
	}
}

func (c *Conn) initialize(ctx context.Context) (json.RawMessage, error) {
	c.b.mu.Lock()
	delay, block, initErr := c.b.handshakeDelay, c.b.blockHandshake, c.b.initErr
	c.b.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		}
	}
	if err := c.wait(ctx, delay); err != nil {
		return nil, err
	}
	if initErr != nil {
		return nil, initErr
	}
	return json.RawMessage(`{"protocolVersion":"` + mcp.LatestProtocolVersion +
		`","capabilities":{"tools":{"listChanged":true}},"serverInfo":{"name":"fake","version":"1.0.0"}}`), nil
}

func (c *Conn) listTools(params json.RawMessage) (json.RawMessage, error) {
	c.b.mu.Lock()
	c.b.listCalls++
	tools := append([]json.RawMessage(nil), c.b.tools...)
	pageSize := c.b.pageSize
	c.b.mu.Unlock()

	res := mcp.ListToolsResult{Tools: tools}
	if res.Tools == nil {
		res.Tools = []json.RawMessage{}
	}
	if pageSize > 0 {
		var p mcp.ListToolsParams
		if len(params) > 0 {
			_ = json.Unmarshal(params, &p)
		}
		start, _ := strconv.Atoi(p.Cursor)
		end := min(start+pageSize, len(tools))
		res.Tools = tools[start:end]
		if end < len(tools) {
			res.NextCursor = strconv.Itoa(end)
		}
	}
	return json.Marshal(res)
}

func (c *Conn) callTool(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p mcp.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
	}

	c.b.mu.Lock()
	delay, fn := c.b.callDelay, c.b.callFunc
	c.b.mu.Unlock()

	c.mu.Lock()
	c.calls = append(c.calls, p.Name)
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	if err := c.wait(ctx, delay); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, p.Name, p.Arguments)
	}
	return mcp.TextResult(fmt.Sprintf("%s %s", p.Name, p.Arguments)), nil
}

func (c *Conn) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Notify implements adapter.Conn.
func (c *Conn) Notify(ctx context.Context, method string, params json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods = append(c.methods, method)
	return nil
}

// OnNotification implements adapter.Conn.
func (c *Conn) OnNotification(fn func(adapter.Notification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Push delivers a server-initiated notification.
func (c *Conn) Push(method string, params json.RawMessage) {
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn(adapter.Notification{Method: method, Params: params})
	}
}

// Done implements adapter.Conn.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements adapter.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// PID implements adapter.Conn.
func (c *Conn) PID() int { return c.pid }

// Close implements adapter.Conn.
func (c *Conn) Close() error {
	c.finish(ErrClosed)
	return nil
}

// Crash simulates the backing process exiting.
func (c *Conn) Crash(err error) {
	if err == nil {
		err = errors.New("process exited: exit status 1")
	}
	c.finish(err)
}

func (c *Conn) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.b.mu.Lock()
		c.b.live--
		c.b.mu.Unlock()
	})
}

// Closed reports whether the connection has ended.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Methods returns every method sent on this connection, in order.
func (c *Conn) Methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.methods...)
}

// Calls returns tool names in the order calls reached the backend.
func (c *Conn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// MaxActive returns the most tools/call requests ever concurrently active.
func (c *Conn) MaxActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive
}

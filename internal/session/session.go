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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/mcp"
)

// phase tracks the client's handshake with the gateway.
type phase int

const (
	phaseNew          phase = iota // awaiting initialize
	phaseInitializing              // initialize answered, awaiting initialized
	phaseDraining                  // replaying requests held during the handshake
	phaseReady
	phaseClosed
)

// held is a request that arrived before the client handshake completed.
type held struct {
	req     *mcp.Request
	timer   *time.Timer
	claimed atomic.Bool
}

// inflight is a request being served.
type inflight struct {
	key       string
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
}

// Session is one client connection to the gateway.
type Session struct {
	id      string
	m       *Manager
	sink    Sink
	logger  *slog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	active sync.WaitGroup

	sendMu sync.Mutex

	// notices holds server-initiated notifications for deliverNotices.
	notices chan []byte

	mu              sync.Mutex
	phase           phase
	backlog         []*held
	inflight        map[string]*inflight
	lastActivity    time.Time
	clientInfo      mcp.Implementation
	protocolVersion string
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Ready reports whether the client completed its handshake.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseReady
}

// ClientInfo returns what the client reported in initialize.
func (s *Session) ClientInfo() mcp.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// ProtocolVersion returns the protocol version agreed in initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// InFlight returns the number of requests being served.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Receive accepts a request, notification or batch from the client.
// Responses are written to the session's sink as they complete.
func (s *Session) Receive(frame []byte) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return ErrMalformed
	}

	s.mu.Lock()
	s.lastActivity = s.m.cfg.Now()
	s.mu.Unlock()

	if frame[0] != '[' {
		if !s.limiter.Allow() {
			rateLimited.Inc()
			return ErrRateLimited
		}
		req, err := decode(frame)
		if err != nil {
			return err
		}
		s.route(req)
		return nil
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(frame, &batch); err != nil || len(batch) == 0 {
		return ErrMalformed
	}
	if !s.limiter.AllowN(time.Now(), len(batch)) {
		rateLimited.Inc()
		return ErrRateLimited
	}
	for _, item := range batch {
		req, err := decode(item)
		if err != nil {
			s.reply(mcp.NewProtocolError(nil, mcp.CodeParseError, err.Error()))
			continue
		}
		s.route(req)
	}
	return nil
}

func decode(frame []byte) (*mcp.Request, error) {
	var req mcp.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, ErrMalformed
	}
	return &req, nil
}

func (s *Session) route(req *mcp.Request) {
	if req.Method == "" {
		if !req.IsNotification() {
			s.reply(mcp.NewProtocolError(req.ID, mcp.CodeInvalidRequest, "missing method"))
		}
		return
	}
	if req.IsNotification() {
		s.notification(req)
		return
	}

	switch req.Method {
	case mcp.MethodInitialize:
		s.initialize(req)
	case mcp.MethodPing:
		s.reply(mcp.NewResult(req.ID, struct{}{}))
	case mcp.MethodToolsList, mcp.MethodToolsCall:
		if s.admit(req) {
			if entry, ok := s.register(req); ok {
				go s.execute(entry, req)
			}
		}
	default:
		requests.WithLabelValues("unknown", "method_not_found").Inc()
		s.reply(mcp.NewProtocolError(req.ID, mcp.CodeMethodNotFound, "method not found: "+req.Method))
	}
}

func (s *Session) initialize(req *mcp.Request) {
	var params mcp.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.reply(mcp.NewErrorResponse(req.ID, mcp.ErrInvalidParams("invalid initialize params: %v", err)))
			return
		}
	}
	version := params.ProtocolVersion
	if version == "" {
		version = mcp.LatestProtocolVersion
	}

	s.mu.Lock()
	if s.phase != phaseNew {
		s.mu.Unlock()
		s.reply(mcp.NewProtocolError(req.ID, mcp.CodeInvalidRequest, "session already initialized"))
		return
	}
	s.phase = phaseInitializing
	s.clientInfo = params.ClientInfo
	s.protocolVersion = version
	s.mu.Unlock()

	s.logger.Info("client initializing",
		slog.String("client", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("protocol_version", version))

	s.reply(mcp.NewResult(req.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{ListChanged: true},
		},
		ServerInfo:   s.m.cfg.ServerInfo,
		Instructions: s.m.cfg.Instructions,
	}))
}

func (s *Session) notification(req *mcp.Request) {
	switch req.Method {
	case mcp.MethodInitialized:
		s.mu.Lock()
		switch s.phase {
		case phaseInitializing:
			s.phase = phaseDraining
			s.mu.Unlock()
			go s.drain()
		case phaseNew:
			s.mu.Unlock()
			s.logger.Warn("initialized notification before initialize ignored")
		default:
			s.mu.Unlock()
		}
	case mcp.MethodCancelled:
		var params mcp.CancelledParams
		if err := json.Unmarshal(req.Params, &params); err != nil || len(params.RequestID) == 0 {
			s.logger.Debug("ignoring malformed cancellation")
			return
		}
		s.cancelRequest(params.RequestID, params.Reason)
	default:
		log.Trace(s.logger, "ignoring notification", slog.String(log.MethodKey, req.Method))
	}
}

// admit reports whether req may run now. Requests that arrive before the
// handshake completes are held and replayed in arrival order.
func (s *Session) admit(req *mcp.Request) bool {
	s.mu.Lock()
	switch s.phase {
	case phaseReady:
		s.mu.Unlock()
		return true
	case phaseClosed:
		s.mu.Unlock()
		return false
	}
	if len(s.backlog) >= s.m.cfg.QueueDepth {
		s.mu.Unlock()
		backlogRejections.Inc()
		s.reply(mcp.NewErrorResponse(req.ID, mcp.ErrSessionNotInitialized("request backlog full")))
		return false
	}
	h := &held{req: req}
	s.active.Add(1)
	h.timer = time.AfterFunc(s.m.cfg.HandshakeTimeout, func() { s.expire(h) })
	s.backlog = append(s.backlog, h)
	s.mu.Unlock()
	return false
}

func (s *Session) expire(h *held) {
	if !h.claimed.CompareAndSwap(false, true) {
		return
	}
	defer s.active.Done()
	s.mu.Lock()
	s.backlog = slices.DeleteFunc(s.backlog, func(o *held) bool { return o == h })
	s.mu.Unlock()

	backlogExpired.Inc()
	s.reply(mcp.NewErrorResponse(h.req.ID,
		mcp.ErrSessionNotInitialized("handshake did not complete in time")))
}

// drain replays held requests one at a time so they complete in the order
// they were submitted, then marks the session ready.
func (s *Session) drain() {
	for {
		s.mu.Lock()
		if s.phase == phaseClosed {
			s.mu.Unlock()
			return
		}
		if len(s.backlog) == 0 {
			s.phase = phaseReady
			s.mu.Unlock()
			s.logger.Debug("session ready")
			return
		}
		h := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		if !h.claimed.CompareAndSwap(false, true) {
			continue
		}
		h.timer.Stop()
		if entry, ok := s.register(h.req); ok {
			s.execute(entry, h.req)
		}
		s.active.Done()
	}
}

func (s *Session) register(req *mcp.Request) (*inflight, bool) {
	key := string(req.ID)

	s.mu.Lock()
	if s.phase == phaseClosed {
		s.mu.Unlock()
		return nil, false
	}
	if _, dup := s.inflight[key]; dup {
		s.mu.Unlock()
		requests.WithLabelValues(req.Method, "duplicate_id").Inc()
		s.reply(mcp.NewProtocolError(req.ID, mcp.CodeInvalidRequest, "duplicate request id "+key))
		return nil, false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	entry := &inflight{key: key, ctx: ctx, cancel: cancel}
	s.inflight[key] = entry
	s.active.Add(1)
	s.mu.Unlock()
	return entry, true
}

func (s *Session) execute(entry *inflight, req *mcp.Request) {
	defer s.active.Done()
	start := time.Now()
	result, err := s.call(entry.ctx, req)

	s.mu.Lock()
	delete(s.inflight, entry.key)
	cancelled := entry.cancelled
	s.mu.Unlock()
	entry.cancel()

	requestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	if cancelled {
		requests.WithLabelValues(req.Method, "cancelled").Inc()
		return
	}
	requests.WithLabelValues(req.Method, outcome(err)).Inc()

	if err != nil {
		s.logger.Debug("request failed",
			slog.String(log.MethodKey, req.Method),
			slog.String("id", entry.key),
			log.Error(err))
		s.reply(mcp.NewErrorResponse(req.ID, err))
		return
	}
	s.reply(mcp.NewResult(req.ID, result))
}

func (s *Session) call(ctx context.Context, req *mcp.Request) (json.RawMessage, error) {
	switch req.Method {
	case mcp.MethodToolsList:
		tools, err := s.m.handler.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		if tools == nil {
			tools = []json.RawMessage{}
		}
		return json.Marshal(mcp.ListToolsResult{Tools: tools})

	case mcp.MethodToolsCall:
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, mcp.ErrInvalidParams("invalid tools/call params: %v", err)
		}
		if params.Name == "" {
			return nil, mcp.ErrInvalidParams("tools/call requires a tool name")
		}
		return s.m.handler.CallTool(ctx, params.Name, params.Arguments)
	}
	return nil, mcp.NewError(mcp.KindInternal, "unroutable method "+req.Method)
}

func (s *Session) cancelRequest(id json.RawMessage, reason string) {
	key := string(id)
	s.mu.Lock()
	entry, ok := s.inflight[key]
	if ok {
		entry.cancelled = true
	}
	s.mu.Unlock()

	if !ok {
		log.Trace(s.logger, "cancellation for unknown request", slog.String("id", key))
		return
	}
	entry.cancel()
	s.logger.Debug("request cancelled by client", slog.String("id", key), slog.String("reason", reason))
}

func (s *Session) reply(resp *mcp.Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", log.Error(err))
		return
	}
	if err := s.send(frame); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Debug("failed to deliver response", log.Error(err))
	}
}

// notify queues a notification without waiting on the client. It reports
// false when the session is closed or its queue is full; a full queue
// already holds a pending notice for the client.
func (s *Session) notify(frame []byte) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.notices <- frame:
		return true
	default:
		return false
	}
}

// deliverNotices writes queued notifications until the session closes. A
// client that stops reading stalls only this goroutine.
func (s *Session) deliverNotices() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.notices:
			if err := s.send(frame); err != nil && !errors.Is(err, ErrClosed) {
				s.logger.Debug("failed to deliver notification", log.Error(err))
			}
		}
	}
}

func (s *Session) send(frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	return s.sink(frame)
}

func (s *Session) idleSince(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase != phaseClosed && len(s.inflight) == 0 && now.Sub(s.lastActivity) > ttl
}

// Wait blocks until every request received so far has been answered or
// dropped.
func (s *Session) Wait() {
	s.active.Wait()
}

// Close ends the session, cancelling requests in flight and dropping
// requests still held for the handshake.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.phase = phaseClosed
		for _, h := range s.backlog {
			h.timer.Stop()
			if h.claimed.CompareAndSwap(false, true) {
				s.active.Done()
			}
		}
		s.backlog = nil
		for _, entry := range s.inflight {
			entry.cancel()
		}
		s.mu.Unlock()

		s.cancel()

		close(s.done)
		s.m.remove(s)
		s.logger.Debug("session closed")
	})
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return "rpc_error"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return string(mcp.KindOf(err))
}

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

// Package session manages client sessions: the client's own handshake,
// request id correlation, concurrent forwarding and the transports that
// carry frames to and from clients.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/mcp"
)

var (
	// ErrUnknownSession is returned for a session id that is not open.
	ErrUnknownSession = errors.New("unknown session")

	// ErrRateLimited is returned when a session exceeds its request rate.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrMalformed is returned for frames that are not valid JSON-RPC.
	ErrMalformed = errors.New("malformed JSON-RPC frame")

	// ErrClosed is returned when writing to a closed session.
	ErrClosed = errors.New("session closed")
)

// Handler serves the tool methods of a ready session.
type Handler interface {
	ListTools(ctx context.Context) ([]json.RawMessage, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Sink delivers one encoded frame to the client. Calls are serialized.
type Sink func(frame []byte) error

// RateLimitConfig bounds the request rate of one session.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Config configures a Manager.
type Config struct {
	// QueueDepth bounds requests held until the client handshake completes (default 32).
	QueueDepth int

	// HandshakeTimeout is how long a held request waits for the handshake (default 30s).
	HandshakeTimeout time.Duration

	// IdleTimeout closes sessions without traffic (default 30m).
	IdleTimeout time.Duration

	// SweepInterval is how often Run checks for idle sessions (default 1m).
	SweepInterval time.Duration

	// RateLimit applies per session. A zero RPS disables limiting.
	RateLimit RateLimitConfig

	// ServerInfo identifies the gateway to clients.
	ServerInfo mcp.Implementation

	// Instructions is returned in the initialize result.
	Instructions string

	Logger *slog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 32
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ServerInfo.Name == "" {
		c.ServerInfo = mcp.Implementation{Name: "toolgate", Version: "dev"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Manager owns the set of open sessions.
type Manager struct {
	handler Handler
	cfg     Config
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager that serves tool methods with h.
func NewManager(h Handler, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		handler:  h,
		cfg:      cfg,
		logger:   log.WithComponent(cfg.Logger, "session"),
		sessions: make(map[string]*Session),
	}
}

// Open creates a session that writes frames to sink.
func (m *Manager) Open(sink Sink) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	limit := rate.Inf
	if m.cfg.RateLimit.RPS > 0 {
		limit = rate.Limit(m.cfg.RateLimit.RPS)
	}
	burst := m.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = max(1, int(m.cfg.RateLimit.RPS*2))
	}

	s := &Session{
		id:           id,
		m:            m,
		sink:         sink,
		logger:       log.WithSession(m.logger, id),
		limiter:      rate.NewLimiter(limit, burst),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		inflight:     make(map[string]*inflight),
		notices:      make(chan []byte, noticeQueueDepth),
		lastActivity: m.cfg.Now(),
	}
	go s.deliverNotices()

	m.mu.Lock()
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	sessionsOpened.Inc()
	openSessions.Set(float64(n))
	s.logger.Debug("session opened")
	return s
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Receive hands a raw frame to the session with the given id.
func (m *Manager) Receive(id string, frame []byte) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	return s.Receive(frame)
}

// Close closes a session. Closing an unknown session is a no-op.
func (m *Manager) Close(id string) {
	if s, ok := m.Get(id); ok {
		s.Close()
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	n := len(m.sessions)
	m.mu.Unlock()
	openSessions.Set(float64(n))
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// noticeQueueDepth bounds notifications queued for one session.
const noticeQueueDepth = 8

// Broadcast queues a notification for every ready session and returns how
// many accepted it. It never waits on a client.
func (m *Manager) Broadcast(method string, params any) int {
	frame, err := json.Marshal(mcp.NewNotification(method, params))
	if err != nil {
		m.logger.Error("failed to encode notification", log.Error(err), slog.String(log.MethodKey, method))
		return 0
	}
	sent := 0
	for _, s := range m.snapshot() {
		if !s.Ready() {
			continue
		}
		if !s.notify(frame) {
			s.logger.Debug("broadcast dropped", slog.String(log.MethodKey, method))
			broadcastDrops.Inc()
			continue
		}
		sent++
	}
	return sent
}

// CloseIdle closes sessions without traffic for longer than the idle
// timeout and without requests in flight. It returns the closed ids.
func (m *Manager) CloseIdle() []string {
	now := m.cfg.Now()
	var closed []string
	for _, s := range m.snapshot() {
		if !s.idleSince(now, m.cfg.IdleTimeout) {
			continue
		}
		s.logger.Info("closing idle session")
		s.Close()
		idleCloses.Inc()
		closed = append(closed, s.id)
	}
	return closed
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CloseIdle()
		}
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	for _, s := range m.snapshot() {
		s.Close()
	}
}

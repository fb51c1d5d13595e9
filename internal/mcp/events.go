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

package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType represents the type of backend server lifecycle event.
type EventType string

const (
	// EventStarted indicates a server process was spawned and connected.
	EventStarted EventType = "started"
	// EventReady indicates a server completed its handshake.
	EventReady EventType = "ready"
	// EventStopped indicates a server was stopped.
	EventStopped EventType = "stopped"
	// EventFailed indicates a server crashed or failed to start.
	EventFailed EventType = "failed"
	// EventCircuitOpen indicates starts for a server are suspended.
	EventCircuitOpen EventType = "circuit_open"
	// EventEnabled indicates a server's enabled flag was set.
	EventEnabled EventType = "enabled"
	// EventDisabled indicates a server's enabled flag was cleared.
	EventDisabled EventType = "disabled"
	// EventToolsChanged indicates a server's cached catalog was dropped.
	EventToolsChanged EventType = "tools_changed"
)

// ServerEvent is a lifecycle event for one backend server.
type ServerEvent struct {
	Type       EventType      `json:"type"`
	ServerName string         `json:"server_name"`
	Timestamp  time.Time      `json:"timestamp"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// EventEmitter logs lifecycle events and fans them out to subscribers.
type EventEmitter struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]func(ServerEvent)
}

// NewEventEmitter creates a new event emitter.
func NewEventEmitter(logger *slog.Logger) *EventEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventEmitter{logger: logger, subs: make(map[int]func(ServerEvent))}
}

// Subscribe registers fn for every subsequent event. Subscribers run
// synchronously on the emitting goroutine and must not block.
// The returned function removes the subscription.
func (e *EventEmitter) Subscribe(fn func(ServerEvent)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Emit logs an event and delivers it to subscribers.
func (e *EventEmitter) Emit(event ServerEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		"server", event.ServerName,
		"type", string(event.Type),
	}
	if event.Message != "" {
		attrs = append(attrs, "message", event.Message)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	if event.Type == EventFailed || event.Type == EventCircuitOpen {
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, "server event", attrs...)

	e.mu.RLock()
	subs := make([]func(ServerEvent), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}

// EmitStarted emits a server started event.
func (e *EventEmitter) EmitStarted(server string, pid int) {
	details := map[string]any{}
	if pid > 0 {
		details["pid"] = pid
	}
	e.Emit(ServerEvent{Type: EventStarted, ServerName: server, Message: "server started", Details: details})
}

// EmitReady emits a handshake-complete event.
func (e *EventEmitter) EmitReady(server string, startup time.Duration) {
	e.Emit(ServerEvent{
		Type:       EventReady,
		ServerName: server,
		Message:    "handshake complete",
		Details:    map[string]any{"startup_ms": startup.Milliseconds()},
	})
}

// EmitStopped emits a server stopped event.
func (e *EventEmitter) EmitStopped(server, reason string) {
	e.Emit(ServerEvent{
		Type:       EventStopped,
		ServerName: server,
		Message:    "server stopped",
		Details:    map[string]any{"reason": reason},
	})
}

// EmitFailed emits a server failed event.
func (e *EventEmitter) EmitFailed(server string, err error) {
	e.Emit(ServerEvent{
		Type:       EventFailed,
		ServerName: server,
		Message:    "server failed",
		Details:    map[string]any{"error": err.Error()},
	})
}

// EmitCircuitOpen emits a circuit-open event.
func (e *EventEmitter) EmitCircuitOpen(server string, cooldown time.Duration) {
	e.Emit(ServerEvent{
		Type:       EventCircuitOpen,
		ServerName: server,
		Message:    "circuit opened",
		Details:    map[string]any{"cooldown_ms": cooldown.Milliseconds()},
	})
}

// EmitEnabled emits an enabled or disabled event.
func (e *EventEmitter) EmitEnabled(server string, enabled bool, auto bool) {
	t := EventDisabled
	if enabled {
		t = EventEnabled
	}
	e.Emit(ServerEvent{Type: t, ServerName: server, Details: map[string]any{"auto": auto}})
}

// EmitToolsChanged emits a catalog invalidation event.
func (e *EventEmitter) EmitToolsChanged(server, reason string) {
	e.Emit(ServerEvent{
		Type:       EventToolsChanged,
		ServerName: server,
		Message:    "tool catalog invalidated",
		Details:    map[string]any{"reason": reason},
	})
}

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

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/toolgate/internal/registry"
)

// Notification is a server-initiated notification relayed by a Conn.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Conn is one framed protocol connection to a backend. Implementations
// correlate request ids themselves; Request returns the raw result payload
// or a *mcp.RPCError when the backend answered with an error.
type Conn interface {
	// Start begins reading from the transport. ctx bounds the connection's lifetime.
	Start(ctx context.Context) error

	// Request sends a request and waits for its response.
	Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

	// Notify sends a notification.
	Notify(ctx context.Context, method string, params json.RawMessage) error

	// OnNotification registers the handler for backend notifications.
	OnNotification(func(Notification))

	// Done is closed when the transport or backing process ends.
	Done() <-chan struct{}

	// Err describes why Done was closed.
	Err() error

	// PID is the backing process id, or 0 for network backends.
	PID() int

	// Close shuts the connection down and terminates any backing process.
	Close() error
}

// Backend opens connections to one configured server. Command and network
// servers are both Backends so callers never branch on the kind.
type Backend interface {
	Kind() registry.Kind
	Dial(ctx context.Context) (Conn, error)
}

// BackendOptions tune how backends are launched.
type BackendOptions struct {
	// Logger receives process stderr and transport diagnostics.
	Logger *slog.Logger

	// StopTimeout is how long a process gets between SIGTERM and SIGKILL.
	StopTimeout time.Duration
}

// NewBackend returns the Backend for a server definition.
func NewBackend(def registry.ServerDefinition, opts BackendOptions) (Backend, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}

	switch def.Kind() {
	case registry.KindCommand:
		return &commandBackend{def: def, opts: opts}, nil
	case registry.KindNetwork:
		return &networkBackend{def: def, opts: opts}, nil
	default:
		return nil, fmt.Errorf("server %s: unsupported backend kind %q", def.Name, def.Kind())
	}
}

// DefaultMaxInFlight is the concurrent call bound for a backend kind.
// Stdio backends are single-request-at-a-time; network backends overlap.
func DefaultMaxInFlight(kind registry.Kind) int {
	if kind == registry.KindNetwork {
		return 8
	}
	return 1
}

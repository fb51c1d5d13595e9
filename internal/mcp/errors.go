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
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind classifies gateway errors so clients can decide whether to retry,
// fall back to another implementation, or surface the failure.
type Kind string

const (
	// KindNotInitialized means a call arrived before a required handshake completed.
	KindNotInitialized Kind = "NotInitialized"
	// KindBackendUnavailable means the backend process exited or its transport broke.
	KindBackendUnavailable Kind = "BackendUnavailable"
	// KindCircuitOpen means the server is crash-looping and starts are suspended.
	KindCircuitOpen Kind = "CircuitOpen"
	// KindStartFailed means the process failed to spawn or connect.
	KindStartFailed Kind = "StartFailed"
	// KindUnknownTool means a referenced tool does not exist.
	KindUnknownTool Kind = "UnknownTool"
	// KindUnknownServer means a referenced server is not registered.
	KindUnknownServer Kind = "UnknownServer"
	// KindTimeout means a bounded wait was exceeded.
	KindTimeout Kind = "Timeout"
	// KindNoImplementation means no capability implementation could be started.
	KindNoImplementation Kind = "NoImplementation"
	// KindInvalidParams means the request arguments were malformed.
	KindInvalidParams Kind = "InvalidParams"
	// KindInternal is an unexpected gateway failure.
	KindInternal Kind = "Internal"
)

// Error is the typed error returned by every gateway component.
type Error struct {
	// Kind is the error category.
	Kind Kind
	// Message is the primary error message.
	Message string
	// Detail provides additional context.
	Detail string
	// Server is the backend the error relates to, if any.
	Server string
	// RetryAfter hints when a retry may succeed (circuit cooldown).
	RetryAfter time.Duration
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether retrying the same request may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNotInitialized, KindBackendUnavailable, KindTimeout:
		return true
	}
	return false
}

// NewError creates a new Error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithDetail adds detail to the error.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithServer records the backend the error relates to.
func (e *Error) WithServer(server string) *Error {
	e.Server = server
	return e
}

// WithRetryAfter sets the retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithSuggestions adds suggestions to the error.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = suggestions
	return e
}

// WithCause adds an underlying cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// ErrNotInitialized reports a call made before the handshake completed.
func ErrNotInitialized(server, detail string) *Error {
	return NewError(KindNotInitialized, fmt.Sprintf("server '%s' has not completed its handshake", server)).
		WithServer(server).
		WithDetail(detail)
}

// ErrSessionNotInitialized reports a client call made before the client's own handshake.
func ErrSessionNotInitialized(detail string) *Error {
	return NewError(KindNotInitialized, "session has not completed initialization").
		WithDetail(detail).
		WithSuggestions("send initialize, then notifications/initialized, before tools/call")
}

// ErrBackendUnavailable reports a backend whose process or transport failed.
func ErrBackendUnavailable(server string, cause error) *Error {
	return NewError(KindBackendUnavailable, fmt.Sprintf("server '%s' is unavailable", server)).
		WithServer(server).
		WithCause(cause)
}

// ErrCircuitOpen reports a crash-looping server during its cooldown.
func ErrCircuitOpen(server string, retryAfter time.Duration) *Error {
	return NewError(KindCircuitOpen, fmt.Sprintf("server '%s' is failing repeatedly; starts are suspended", server)).
		WithServer(server).
		WithRetryAfter(retryAfter).
		WithDetail(fmt.Sprintf("retry after %s", retryAfter.Round(time.Millisecond)))
}

// ErrStartFailed reports a process that could not be spawned or connected.
func ErrStartFailed(server string, cause error) *Error {
	return NewError(KindStartFailed, fmt.Sprintf("server '%s' failed to start", server)).
		WithServer(server).
		WithCause(cause).
		WithSuggestions("check the server command and arguments", "inspect the gateway log for the server's stderr")
}

// ErrUnknownTool reports a tool reference that does not resolve.
func ErrUnknownTool(name string, candidates ...string) *Error {
	e := NewError(KindUnknownTool, fmt.Sprintf("tool '%s' not found", name))
	if len(candidates) > 0 {
		e.WithDetail(fmt.Sprintf("ambiguous, qualify as one of %v", candidates))
	}
	return e.WithSuggestions("use find to list tools, then reference them as server:tool")
}

// ErrUnknownServer reports a server name that is not registered.
func ErrUnknownServer(name string) *Error {
	return NewError(KindUnknownServer, fmt.Sprintf("server '%s' not found", name)).
		WithSuggestions("use find to list registered servers")
}

// ErrTimeout reports an exceeded deadline.
func ErrTimeout(server, op string, cause error) *Error {
	return NewError(KindTimeout, fmt.Sprintf("%s timed out", op)).
		WithServer(server).
		WithCause(cause)
}

// ErrNoImplementation reports that no implementation of a capability could serve.
func ErrNoImplementation(capability string, tried []string) *Error {
	e := NewError(KindNoImplementation, fmt.Sprintf("no implementation available for capability '%s'", capability))
	if len(tried) > 0 {
		e.WithDetail(fmt.Sprintf("tried %v", tried))
	}
	return e
}

// ErrInvalidParams reports malformed request arguments.
func ErrInvalidParams(format string, args ...any) *Error {
	return NewError(KindInvalidParams, fmt.Sprintf(format, args...))
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err is untyped.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

// Code returns the JSON-RPC error code for a kind.
func (k Kind) Code() int {
	switch k {
	case KindNotInitialized:
		return CodeNotInitialized
	case KindBackendUnavailable:
		return CodeBackendUnavailable
	case KindCircuitOpen:
		return CodeCircuitOpen
	case KindStartFailed:
		return CodeStartFailed
	case KindNoImplementation:
		return CodeNoImplementation
	case KindTimeout:
		return CodeTimeout
	case KindUnknownTool, KindUnknownServer, KindInvalidParams:
		return CodeInvalidParams
	default:
		return CodeInternalError
	}
}

// errorData is the typed payload attached to JSON-RPC errors.
type errorData struct {
	Kind         Kind     `json:"kind"`
	Server       string   `json:"server,omitempty"`
	RetryAfterMs int64    `json:"retryAfterMs,omitempty"`
	Detail       string   `json:"detail,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// ToRPCError converts any error into a JSON-RPC error object.
// Backend JSON-RPC errors pass through unchanged.
func ToRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	e, ok := AsError(err)
	if !ok {
		e = NewError(KindInternal, "internal error").WithCause(err)
	}
	data, _ := json.Marshal(errorData{
		Kind:         e.Kind,
		Server:       e.Server,
		RetryAfterMs: e.RetryAfter.Milliseconds(),
		Detail:       e.Detail,
		Suggestions:  e.Suggestions,
	})
	return &RPCError{
		Code:    e.Kind.Code(),
		Message: e.Error(),
		Data:    data,
	}
}

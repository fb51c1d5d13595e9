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

// Package mcp holds the tool-calling protocol vocabulary shared by the
// gateway: JSON-RPC frames, method names, error kinds and lifecycle events.
package mcp

import (
	"encoding/json"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// JSONRPCVersion is the only JSON-RPC version spoken on either side.
const JSONRPCVersion = mcpgo.JSONRPC_VERSION

// LatestProtocolVersion is offered to backends and to clients that do not
// request a specific version.
const LatestProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION

// Protocol methods understood by the gateway.
const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "notifications/initialized"
	MethodPing             = "ping"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodCancelled        = "notifications/cancelled"
	MethodToolsListChanged = "notifications/tools/list_changed"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Gateway error codes, in the implementation-defined server error range.
const (
	CodeTimeout            = -32001
	CodeNotInitialized     = -32002
	CodeBackendUnavailable = -32003
	CodeCircuitOpen        = -32004
	CodeStartFailed        = -32005
	CodeNoImplementation   = -32006
	CodeRateLimited        = -32029
)

// Request is an incoming or outgoing JSON-RPC request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the frame carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC notification.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC error object. Errors reported by backends are
// carried in this form so they reach the client unmodified.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result any) *Response {
	raw, ok := result.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(result)
		if err != nil {
			return NewErrorResponse(id, NewError(KindInternal, "failed to encode result").WithCause(err))
		}
		raw = b
	}
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: raw}
}

// NewErrorResponse builds an error response for id from any error.
func NewErrorResponse(id json.RawMessage, err error) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: ToRPCError(err)}
}

// NewProtocolError builds an error response with a plain JSON-RPC code.
func NewProtocolError(id json.RawMessage, code int, message string) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}

// NewNotification builds a notification frame.
func NewNotification(method string, params any) *Notification {
	n := &Notification{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		if b, err := json.Marshal(params); err == nil {
			n.Params = b
		}
	}
	return n
}

// Implementation names a protocol peer.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are the params of an initialize request.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      Implementation  `json:"clientInfo"`
}

// ToolsCapability advertises tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities is the capability set a server advertises.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// InitializeResult is the result of an initialize request.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// CallToolParams are the params of a tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ListToolsParams are the params of a tools/list request.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is the result of a tools/list request. Tools are kept
// raw so that nothing a backend declares is lost in transit.
type ListToolsResult struct {
	Tools      []json.RawMessage `json:"tools"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// CancelledParams are the params of notifications/cancelled.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// TextResult wraps text in a tool result using the protocol's content shape.
func TextResult(text string) json.RawMessage {
	b, _ := json.Marshal(mcpgo.NewToolResultText(text))
	return b
}

// ErrorResult wraps text in a tool result flagged as an error.
func ErrorResult(text string) json.RawMessage {
	b, _ := json.Marshal(mcpgo.NewToolResultError(text))
	return b
}

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
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/toolgate/internal/mcp"
)

// stubTransport answers every request with a fixed response.
type stubTransport struct {
	resp *transport.JSONRPCResponse
	last transport.JSONRPCRequest
}

func (s *stubTransport) Start(context.Context) error { return nil }

func (s *stubTransport) SendRequest(_ context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	s.last = req
	return s.resp, nil
}

func (s *stubTransport) SendNotification(context.Context, mcpgo.JSONRPCNotification) error {
	return nil
}

func (s *stubTransport) SetNotificationHandler(func(mcpgo.JSONRPCNotification)) {}

func (s *stubTransport) Close() error { return nil }

func (s *stubTransport) GetSessionId() string { return "" }

func TestTransportConn_RequestRelaysErrorData(t *testing.T) {
	tests := []struct {
		name     string
		data     any
		wantData string
	}{
		{name: "object", data: map[string]any{"field": "q", "reason": "required"}, wantData: `{"field":"q","reason":"required"}`},
		{name: "raw", data: json.RawMessage(`[1,2]`), wantData: `[1,2]`},
		{name: "string", data: "quota exceeded", wantData: `"quota exceeded"`},
		{name: "absent", data: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &stubTransport{resp: &transport.JSONRPCResponse{
				JSONRPC: mcp.JSONRPCVersion,
				Error: &mcpgo.JSONRPCErrorDetails{
					Code:    -32602,
					Message: "invalid arguments",
					Data:    tt.data,
				},
			}}
			c := &transportConn{t: st}

			_, err := c.Request(context.Background(), "tools/call", json.RawMessage(`{"name":"search"}`))
			var rpcErr *mcp.RPCError
			require.True(t, errors.As(err, &rpcErr))
			assert.Equal(t, -32602, rpcErr.Code)
			assert.Equal(t, "invalid arguments", rpcErr.Message)
			if tt.wantData == "" {
				assert.Empty(t, rpcErr.Data)
				return
			}
			assert.JSONEq(t, tt.wantData, string(rpcErr.Data))
			assert.Same(t, rpcErr, mcp.ToRPCError(err), "relayed to clients unchanged")
		})
	}
}

func TestTransportConn_RequestResult(t *testing.T) {
	st := &stubTransport{resp: &transport.JSONRPCResponse{
		JSONRPC: mcp.JSONRPCVersion,
		Result:  json.RawMessage(`{"tools":[]}`),
	}}
	c := &transportConn{t: st}

	raw, err := c.Request(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":[]}`, string(raw))
	assert.Equal(t, "tools/list", st.last.Method)
	assert.Nil(t, st.last.Params)
}

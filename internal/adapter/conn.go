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
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/toolgate/internal/mcp"
)

// transportConn adapts an mcp-go transport to Conn. The transport handles
// framing and id correlation; results are kept raw so payloads are relayed
// without re-encoding.
type transportConn struct {
	t      transport.Interface
	nextID atomic.Int64

	pid     int
	done    <-chan struct{}
	errFn   func() error
	onClose func() error

	closeOnce sync.Once
	closeErr  error
}

func (c *transportConn) Start(ctx context.Context) error {
	return c.t.Start(ctx)
}

func (c *transportConn) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	req := transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcpgo.NewRequestId(c.nextID.Add(1)),
		Method:  method,
	}
	if len(params) > 0 {
		req.Params = params
	}

	resp, err := c.t.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &mcp.RPCError{
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Data:    errorData(resp.Error.Data),
		}
	}
	return resp.Result, nil
}

// errorData re-encodes the decoded data member of a backend error.
func errorData(v any) json.RawMessage {
	switch d := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return d
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func (c *transportConn) Notify(ctx context.Context, method string, params json.RawMessage) error {
	n := mcpgo.JSONRPCNotification{
		JSONRPC: mcp.JSONRPCVersion,
		Notification: mcpgo.Notification{
			Method: method,
		},
	}
	if len(params) > 0 {
		var fields map[string]any
		if err := json.Unmarshal(params, &fields); err == nil {
			n.Params.AdditionalFields = fields
		}
	}
	return c.t.SendNotification(ctx, n)
}

func (c *transportConn) OnNotification(fn func(Notification)) {
	c.t.SetNotificationHandler(func(n mcpgo.JSONRPCNotification) {
		params, _ := json.Marshal(n.Params)
		fn(Notification{Method: n.Method, Params: params})
	})
}

func (c *transportConn) Done() <-chan struct{} {
	return c.done
}

func (c *transportConn) Err() error {
	if c.errFn == nil {
		return nil
	}
	return c.errFn()
}

func (c *transportConn) PID() int {
	return c.pid
}

func (c *transportConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.t.Close()
		if c.onClose != nil {
			if err := c.onClose(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

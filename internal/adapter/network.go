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
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/tombee/toolgate/internal/registry"
)

// networkBackend connects to a remote server over streamable HTTP or SSE.
type networkBackend struct {
	def  registry.ServerDefinition
	opts BackendOptions
}

func (b *networkBackend) Kind() registry.Kind { return registry.KindNetwork }

func (b *networkBackend) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		t   transport.Interface
		err error
	)
	switch b.def.Transport {
	case registry.TransportSSE:
		t, err = transport.NewSSE(b.def.URL, transport.WithHeaders(b.def.Headers))
	default:
		t, err = transport.NewStreamableHTTP(b.def.URL, transport.WithHTTPHeaders(b.def.Headers))
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", b.def.URL, err)
	}

	done := make(chan struct{})
	var once sync.Once
	return &transportConn{
		t:     t,
		done:  done,
		errFn: func() error { return errors.New("connection closed") },
		onClose: func() error {
			once.Do(func() { close(done) })
			return nil
		},
	}, nil
}

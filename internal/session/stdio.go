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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/mcp"
)

// maxLineBytes bounds one newline-delimited frame on stdio.
const maxLineBytes = 10 << 20

// ServeStdio serves exactly one session over newline-delimited JSON on r
// and w. It returns when r reaches EOF or ctx is cancelled.
func ServeStdio(ctx context.Context, m *Manager, r io.Reader, w io.Writer) error {
	var mu sync.Mutex
	bw := bufio.NewWriter(w)
	s := m.Open(func(frame []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := bw.Write(frame); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		return bw.Flush()
	})
	defer s.Close()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				scanErr <- ctx.Err()
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return fmt.Errorf("read stdin: %w", err)
				}
				return drain(ctx, s)
			}
			if len(line) == 0 {
				continue
			}
			if err := s.Receive(line); err != nil {
				stdioError(s, line, err)
			}
		}
	}
}

// drain waits for answers to requests already received once input ends.
func drain(ctx context.Context, s *Session) error {
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stdioError answers a frame the session refused, since stdio has no
// status line to carry the failure.
func stdioError(s *Session, line []byte, err error) {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(line, &head)

	var resp *mcp.Response
	switch {
	case errors.Is(err, ErrRateLimited):
		resp = mcp.NewProtocolError(head.ID, mcp.CodeRateLimited, err.Error())
	case errors.Is(err, ErrMalformed):
		resp = mcp.NewProtocolError(nil, mcp.CodeParseError, err.Error())
	default:
		s.logger.Debug("frame rejected", log.Error(err))
		return
	}
	if len(head.ID) == 0 && errors.Is(err, ErrRateLimited) {
		return
	}
	s.reply(resp)
}

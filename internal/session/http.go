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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tombee/toolgate/internal/log"
)

// maxFrameBytes bounds one POSTed frame.
const maxFrameBytes = 4 << 20

// HTTPConfig configures the SSE transport.
type HTTPConfig struct {
	// Keepalive is the interval between SSE comment frames (default 15s).
	Keepalive time.Duration

	// MessagePath is advertised in the endpoint event (default /message).
	MessagePath string

	// Buffer is the number of frames queued per stream (default 64).
	Buffer int
}

// HTTPHandler serves sessions over a Server-Sent Events stream plus a
// POST endpoint for client frames.
type HTTPHandler struct {
	m      *Manager
	cfg    HTTPConfig
	logger *slog.Logger
}

// NewHTTPHandler creates the HTTP transport for m.
func NewHTTPHandler(m *Manager, cfg HTTPConfig) *HTTPHandler {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 15 * time.Second
	}
	if cfg.MessagePath == "" {
		cfg.MessagePath = "/message"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &HTTPHandler{m: m, cfg: cfg, logger: log.WithComponent(m.cfg.Logger, "sse")}
}

// RegisterRoutes registers the transport routes on mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sse", h.Stream)
	mux.HandleFunc("POST "+h.cfg.MessagePath, h.Message)
}

// Stream handles GET /sse. It opens a session, announces the endpoint
// clients POST to, and relays every frame for the session until either
// side goes away.
func (h *HTTPHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	out := make(chan []byte, h.cfg.Buffer)
	s := h.m.Open(func(frame []byte) error {
		select {
		case out <- frame:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	defer s.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	endpoint := h.cfg.MessagePath + "?sessionId=" + url.QueryEscape(s.ID())
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	keepalive := time.NewTicker(h.cfg.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case frame := <-out:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame); err != nil {
				h.logger.Debug("stream write failed", log.Error(err), slog.String(log.SessionKey, s.ID()))
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Message handles POST /message?sessionId=<id>.
func (h *HTTPHandler) Message(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	switch err := h.m.Receive(id, body); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, ErrUnknownSession), errors.Is(err, ErrClosed):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", log.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

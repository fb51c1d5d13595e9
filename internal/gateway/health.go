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

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/toolgate/internal/capability"
	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/mcp"
	"github.com/tombee/toolgate/internal/registry"
	"github.com/tombee/toolgate/internal/supervisor"
)

// Health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Health is the liveness report served at /healthz.
type Health struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptimeSeconds"`
	Sessions      int            `json:"sessions"`
	Servers       []ServerHealth `json:"servers"`
}

// ServerHealth is one server's entry in Health.
type ServerHealth struct {
	Name             string           `json:"name"`
	State            supervisor.State `json:"state"`
	ToolCount        int              `json:"toolCount"`
	Enabled          bool             `json:"enabled"`
	Mode             registry.Mode    `json:"mode"`
	Failures         int              `json:"failures"`
	CircuitOpenUntil *time.Time       `json:"circuitOpenUntil,omitempty"`
	CatalogTokens    int              `json:"catalogTokens"`
}

// Health reports overall status plus every server in registry order. The
// gateway is degraded when an enabled server is crashed or circuit-open.
func (g *Gateway) Health() Health {
	h := Health{
		Status:        StatusOK,
		Version:       g.opts.Version,
		UptimeSeconds: int64(time.Since(g.started).Seconds()),
		Sessions:      g.sessions.Len(),
	}
	for _, st := range g.sup.Status() {
		sh := ServerHealth{
			Name:             st.Name,
			State:            st.State,
			Enabled:          st.Enabled,
			Mode:             st.Mode,
			Failures:         st.Failures,
			CircuitOpenUntil: st.CircuitOpenUntil,
		}
		if stats, ok := g.cache.Stats(st.Name); ok {
			sh.ToolCount = stats.Tools
			sh.CatalogTokens = stats.Tokens
		}
		if st.Enabled && (st.State == supervisor.StateCrashed || st.State == supervisor.StateCircuitOpen) {
			h.Status = StatusDegraded
		}
		h.Servers = append(h.Servers, sh)
	}
	return h
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Health())
}

// handleRoute serves POST /route. With ?dry_run=true nothing is started.
func (g *Gateway) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req capability.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, mcp.ErrInvalidParams("invalid request body: %v", err))
		return
	}
	if req.Text == "" {
		writeError(w, mcp.ErrInvalidParams("intent is required"))
		return
	}

	router := g.router.Load()
	if r.URL.Query().Get("dry_run") == "true" {
		writeJSON(w, http.StatusOK, router.Plan(req))
		return
	}

	res, err := router.Route(r.Context(), req)
	if err != nil {
		g.logger.Info("route failed", slog.String("intent", req.Text), log.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON error shape of the HTTP surface.
type errorBody struct {
	Error        string   `json:"error"`
	Kind         mcp.Kind `json:"kind"`
	Server       string   `json:"server,omitempty"`
	RetryAfterMs int64    `json:"retryAfterMs,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Kind: mcp.KindOf(err)}
	var me *mcp.Error
	if errors.As(err, &me) {
		body.Server = me.Server
		body.RetryAfterMs = me.RetryAfter.Milliseconds()
		body.Suggestions = me.Suggestions
	}
	writeJSON(w, httpStatus(body.Kind), body)
}

func httpStatus(kind mcp.Kind) int {
	switch kind {
	case mcp.KindInvalidParams, mcp.KindUnknownTool, mcp.KindUnknownServer:
		return http.StatusBadRequest
	case mcp.KindNoImplementation, mcp.KindCircuitOpen, mcp.KindBackendUnavailable,
		mcp.KindStartFailed, mcp.KindNotInitialized:
		return http.StatusServiceUnavailable
	case mcp.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

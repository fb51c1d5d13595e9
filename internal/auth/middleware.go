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

package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

type contextKey struct{}

// ClaimsFromContext returns the claims of the authenticated request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

// Middleware enforces bearer tokens.
type Middleware struct {
	cfg    JWTConfig
	public []string
	logger *slog.Logger
}

// NewMiddleware creates a middleware. Requests to the public paths pass
// without a token.
func NewMiddleware(cfg JWTConfig, logger *slog.Logger, public ...string) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{cfg: cfg, public: public, logger: logger}
}

// Wrap wraps an http.Handler with authentication.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slices.Contains(m.public, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearer(r)
		if !ok {
			m.unauthorized(w, "Authentication required")
			return
		}
		claims, err := ValidateJWT(token, m.cfg)
		if err != nil {
			m.logger.Debug("rejected bearer token",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Any("error", err))
			m.unauthorized(w, "Invalid credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
	})
}

// bearer extracts the token; the scheme is case-insensitive per RFC 6750.
func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

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

package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/toolgate/internal/auth"
	"github.com/tombee/toolgate/internal/capability"
)

const testConfig = `
servers:
  - name: alpha
    command: /nonexistent/alpha-server
    mode: cold
  - name: beta
    url: http://127.0.0.1:1/mcp
    enabled: false
capabilities:
  search:
    - {server: alpha, priority: 1}
`

func newTestRoot() *cobra.Command {
	root := NewRootCommand()
	root.AddCommand(
		NewVersionCommand(),
		NewServersCommand(),
		NewRouteCommand(),
		NewTokenCommand(),
	)
	return root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newTestRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "toolgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("TOOLGATE_STATE_PATH", filepath.Join(dir, "state.db"))
	t.Setenv("TOOLGATE_LISTEN", "")
	t.Setenv("LOG_LEVEL", "error")
	return path
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	t.Cleanup(func() { SetVersion("dev", "unknown", "unknown") })

	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, out string)
	}{
		{
			name: "text",
			args: []string{"version"},
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "toolgate version 1.2.3")
				assert.Contains(t, out, "commit:     abc123")
			},
		},
		{
			name: "json",
			args: []string{"version", "--json"},
			check: func(t *testing.T, out string) {
				var info VersionInfo
				require.NoError(t, json.Unmarshal([]byte(out), &info))
				assert.Equal(t, VersionInfo{Version: "1.2.3", Commit: "abc123", BuildDate: "2026-01-01"}, info)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			require.NoError(t, err)
			tt.check(t, out)
		})
	}
}

func TestServersCommand(t *testing.T) {
	path := writeConfig(t, testConfig)

	out, err := execute(t, "servers", "--config", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	assert.Regexp(t, `^alpha\s+command\s+cold\s+yes\s+/nonexistent/alpha-server$`, lines[1])
	assert.Regexp(t, `^beta\s+network\s+cold\s+no\s+http://127.0.0.1:1/mcp$`, lines[2])

	out, err = execute(t, "servers", "--config", path, "--json")
	require.NoError(t, err)
	var servers []ServerInfo
	require.NoError(t, json.Unmarshal([]byte(out), &servers))
	require.Len(t, servers, 2)
	assert.Equal(t, "alpha", servers[0].Name)
	assert.False(t, servers[1].Enabled)
}

func TestServersCommand_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "servers:\n  - {name: a}\n")

	_, err := execute(t, "servers", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitConfig, ExitCode(err))
}

func TestRouteCommand(t *testing.T) {
	path := writeConfig(t, testConfig)

	t.Run("dry run", func(t *testing.T) {
		out, err := execute(t, "route", "--config", path, "--dry-run", "--json", "search", "the", "web", "for", "gateways")
		require.NoError(t, err)

		var res capability.Result
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, capability.Search, res.Capability)
		require.NotNil(t, res.Selected)
		assert.Equal(t, "alpha", res.Selected.Server)
		assert.Empty(t, res.Tried)
	})

	t.Run("start failure exits with no route", func(t *testing.T) {
		out, err := execute(t, "route", "--config", path, "search", "the", "web", "for", "gateways")
		require.Error(t, err)
		assert.Equal(t, ExitNoRoute, ExitCode(err))
		assert.Empty(t, out)
	})

	t.Run("requires text", func(t *testing.T) {
		_, err := execute(t, "route", "--config", path)
		require.Error(t, err)
	})
}

func TestTokenCommand(t *testing.T) {
	secret := strings.Repeat("s", 32)

	tests := []struct {
		name     string
		config   string
		env      string
		wantCode int
	}{
		{
			name:   "signs token",
			config: "auth:\n  jwt:\n    secret_env: TEST_TOOLGATE_SECRET\n    issuer: toolgate\n",
			env:    secret,
		},
		{
			name:     "jwt not configured",
			config:   "servers: []\n",
			wantCode: ExitConfig,
		},
		{
			name:     "secret missing",
			config:   "auth:\n  jwt:\n    secret_env: TEST_TOOLGATE_SECRET\n",
			wantCode: ExitConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.config)
			t.Setenv("TEST_TOOLGATE_SECRET", tt.env)

			out, err := execute(t, "token", "--config", path, "--subject", "laptop", "--ttl", "1h")
			if tt.wantCode != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, ExitCode(err))
				return
			}
			require.NoError(t, err)

			claims, err := auth.ValidateJWT(strings.TrimSpace(out), auth.JWTConfig{
				Secret: []byte(secret),
				Issuer: "toolgate",
			})
			require.NoError(t, err)
			assert.Equal(t, "laptop", claims.Subject)
			assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", assert.AnError, ExitFailure},
		{"exit error", &ExitError{Code: ExitNoRoute, Message: "x"}, ExitNoRoute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

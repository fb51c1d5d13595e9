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

package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func def(name string, mode Mode, enabled bool) ServerDefinition {
	return ServerDefinition{Name: name, Command: "echo", Mode: mode, Enabled: enabled}
}

func TestServerDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		def     ServerDefinition
		wantErr string
	}{
		{name: "valid command", def: def("fs", ModeCold, true)},
		{name: "valid network", def: ServerDefinition{Name: "remote", URL: "https://example.com/mcp", Mode: ModeHot}},
		{name: "missing name", def: ServerDefinition{Command: "echo", Mode: ModeCold}, wantErr: "server name is required"},
		{name: "colon in name", def: ServerDefinition{Name: "a:b", Command: "echo", Mode: ModeCold}, wantErr: "invalid server name"},
		{name: "too long", def: ServerDefinition{Name: "a" + strings.Repeat("b", 64), Command: "echo", Mode: ModeCold}, wantErr: "64 character"},
		{name: "bad mode", def: ServerDefinition{Name: "fs", Command: "echo", Mode: "warm"}, wantErr: "invalid mode"},
		{name: "no launch settings", def: ServerDefinition{Name: "fs", Mode: ModeCold}, wantErr: "command or url is required"},
		{name: "command and url", def: ServerDefinition{Name: "fs", Command: "echo", URL: "http://x", Mode: ModeCold}, wantErr: "mutually exclusive"},
		{name: "bad scheme", def: ServerDefinition{Name: "fs", URL: "ftp://x", Mode: ModeCold}, wantErr: "http or https"},
		{name: "bad transport", def: ServerDefinition{Name: "fs", URL: "http://x", Transport: "ws", Mode: ModeCold}, wantErr: "invalid transport"},
		{name: "bad env key", def: ServerDefinition{Name: "fs", Command: "echo", Mode: ModeCold, Env: map[string]string{"1BAD": "x"}}, wantErr: "invalid environment variable key"},
		{name: "newline arg", def: ServerDefinition{Name: "fs", Command: "echo", Mode: ModeCold, Args: []string{"a\nb"}}, wantErr: "control character"},
		{name: "negative idle", def: ServerDefinition{Name: "fs", Command: "echo", Mode: ModeCold, IdleTimeout: -time.Second}, wantErr: "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerDefinition_Kind(t *testing.T) {
	assert.Equal(t, KindCommand, def("fs", ModeCold, true).Kind())
	assert.Equal(t, KindNetwork, ServerDefinition{URL: "http://x"}.Kind())
}

func TestServerDefinition_EnvList(t *testing.T) {
	d := ServerDefinition{Env: map[string]string{"B": "2", "A": "1"}}
	assert.Equal(t, []string{"A=1", "B=2"}, d.EnvList())
}

func TestRegistry_PreservesOrder(t *testing.T) {
	r, err := New([]ServerDefinition{def("zeta", ModeCold, true), def("alpha", ModeHot, true), def("mid", ModeCold, false)})
	require.NoError(t, err)

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, r.Names())
	assert.Equal(t, 3, r.Len())
	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[1].Name)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	_, err := New([]ServerDefinition{def("a", ModeCold, true), def("a", ModeHot, true)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	d := def("fs", ModeCold, true)
	d.Args = []string{"--root", "/tmp"}
	r, err := New([]ServerDefinition{d})
	require.NoError(t, err)

	got, ok := r.Get("fs")
	require.True(t, ok)
	got.Args[0] = "mutated"
	got.Enabled = false

	again, _ := r.Get("fs")
	assert.Equal(t, "--root", again.Args[0])
	assert.True(t, again.Enabled)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_EnableDisable(t *testing.T) {
	r, err := New([]ServerDefinition{def("fs", ModeCold, false)})
	require.NoError(t, err)

	changed, err := r.Enable("fs")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.Enable("fs")
	require.NoError(t, err)
	assert.False(t, changed, "second enable is a no-op")

	d, _ := r.Get("fs")
	assert.True(t, d.Enabled)

	changed, err = r.Disable("fs")
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = r.Enable("missing")
	assert.Error(t, err)
}

func TestRegistry_Replace(t *testing.T) {
	r, err := New([]ServerDefinition{
		def("keep", ModeCold, true),
		def("change", ModeCold, true),
		def("toggle", ModeCold, true),
		def("drop", ModeCold, true),
	})
	require.NoError(t, err)

	changed := def("change", ModeCold, true)
	changed.Args = []string{"--new"}

	diff, err := r.Replace([]ServerDefinition{
		def("new", ModeHot, true),
		def("keep", ModeCold, true),
		changed,
		def("toggle", ModeHot, false),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"new"}, diff.Added)
	assert.Equal(t, []string{"drop"}, diff.Removed)
	assert.Equal(t, []string{"change"}, diff.Changed)
	assert.Equal(t, []string{"toggle"}, diff.Toggled)
	assert.False(t, diff.Empty())
	assert.Equal(t, []string{"new", "keep", "change", "toggle"}, r.Names())

	toggled, ok := r.Get("toggle")
	require.True(t, ok)
	assert.Equal(t, ModeHot, toggled.Mode)
	assert.True(t, toggled.Enabled, "existing servers keep their enabled flag")
}

func TestRegistry_ReplaceKeepsEnabledFlag(t *testing.T) {
	tests := []struct {
		name        string
		current     bool
		next        bool
		wantEnabled bool
	}{
		{name: "enabled at runtime", current: true, next: false, wantEnabled: true},
		{name: "disabled at runtime", current: false, next: true, wantEnabled: false},
		{name: "unchanged", current: true, next: true, wantEnabled: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New([]ServerDefinition{def("fs", ModeCold, tt.current)})
			require.NoError(t, err)

			diff, err := r.Replace([]ServerDefinition{def("fs", ModeCold, tt.next)})
			require.NoError(t, err)
			assert.True(t, diff.Empty())

			got, ok := r.Get("fs")
			require.True(t, ok)
			assert.Equal(t, tt.wantEnabled, got.Enabled)
		})
	}
}

func TestRegistry_ReplaceInvalidKeepsState(t *testing.T) {
	r, err := New([]ServerDefinition{def("a", ModeCold, true)})
	require.NoError(t, err)

	_, err = r.Replace([]ServerDefinition{{Name: "bad"}})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, r.Names())
}

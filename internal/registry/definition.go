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

// Package registry holds the ordered set of configured backend tool servers.
//
// The registry is deliberately small: definitions are immutable once
// registered except for the enabled flag, and that flag only changes through
// Enable and Disable. The supervisor is the only caller of those methods and
// invokes them under its per-server transition lock.
package registry

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ServerNameRegex validates server names.
// Names must start with a letter and contain only letters, numbers, hyphens,
// and underscores, at most 64 characters. ':' is reserved as the separator
// in qualified tool names.
var ServerNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

var envKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Mode declares whether a server is started eagerly or on first reference.
type Mode string

const (
	// ModeHot servers are started at gateway startup and never idle-killed.
	ModeHot Mode = "hot"
	// ModeCold servers have no process until first referenced.
	ModeCold Mode = "cold"
)

// Kind is the backend transport family of a server.
type Kind string

const (
	// KindCommand backends are child processes spoken to over stdio.
	KindCommand Kind = "command"
	// KindNetwork backends are reached over HTTP.
	KindNetwork Kind = "network"
)

// Network transports.
const (
	TransportStreamableHTTP = "http"
	TransportSSE            = "sse"
)

// ServerDefinition describes one backend tool server.
type ServerDefinition struct {
	// Name is the unique server identifier.
	Name string

	// Command is the executable for command backends.
	Command string

	// Args are the command-line arguments.
	Args []string

	// Env holds extra environment variables for the process, already resolved.
	Env map[string]string

	// URL is the endpoint for network backends.
	URL string

	// Transport selects the network transport: "http" (default) or "sse".
	Transport string

	// Headers are sent with every network request.
	Headers map[string]string

	// Enabled servers are listed to clients and may be started.
	Enabled bool

	// Mode is hot or cold.
	Mode Mode

	// IdleTimeout overrides the supervisor's idle timeout when non-zero.
	IdleTimeout time.Duration

	// MaxInFlight overrides the adapter's concurrent call bound when non-zero.
	MaxInFlight int
}

// Kind reports the backend kind of the definition.
func (d ServerDefinition) Kind() Kind {
	if d.URL != "" {
		return KindNetwork
	}
	return KindCommand
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (d ServerDefinition) EnvList() []string {
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+d.Env[k])
	}
	return out
}

// SameLaunch reports whether two definitions would start the same backend.
// The enabled flag and mode are not part of the launch settings.
func (d ServerDefinition) SameLaunch(o ServerDefinition) bool {
	if d.Command != o.Command || d.URL != o.URL || d.Transport != o.Transport {
		return false
	}
	if d.IdleTimeout != o.IdleTimeout || d.MaxInFlight != o.MaxInFlight {
		return false
	}
	return equalStrings(d.Args, o.Args) && equalMaps(d.Env, o.Env) && equalMaps(d.Headers, o.Headers)
}

// clone returns a deep copy so callers can never mutate registry state.
func (d ServerDefinition) clone() ServerDefinition {
	c := d
	c.Args = append([]string(nil), d.Args...)
	c.Env = copyMap(d.Env)
	c.Headers = copyMap(d.Headers)
	return c
}

// Validate checks the definition for structural errors.
func (d ServerDefinition) Validate() error {
	if err := ValidateServerName(d.Name); err != nil {
		return err
	}

	switch d.Mode {
	case ModeHot, ModeCold:
	default:
		return fmt.Errorf("server %s: invalid mode %q (must be hot or cold)", d.Name, d.Mode)
	}

	switch {
	case d.Command == "" && d.URL == "":
		return fmt.Errorf("server %s: command or url is required", d.Name)
	case d.Command != "" && d.URL != "":
		return fmt.Errorf("server %s: command and url are mutually exclusive", d.Name)
	}

	if d.URL != "" {
		if !strings.HasPrefix(d.URL, "http://") && !strings.HasPrefix(d.URL, "https://") {
			return fmt.Errorf("server %s: url must be http or https", d.Name)
		}
		switch d.Transport {
		case "", TransportStreamableHTTP, TransportSSE:
		default:
			return fmt.Errorf("server %s: invalid transport %q (must be http or sse)", d.Name, d.Transport)
		}
	}

	for _, arg := range d.Args {
		if err := ValidateArg(arg); err != nil {
			return fmt.Errorf("server %s: %w", d.Name, err)
		}
	}
	for k := range d.Env {
		if !envKeyRegex.MatchString(k) {
			return fmt.Errorf("server %s: invalid environment variable key: %s", d.Name, k)
		}
	}
	if d.IdleTimeout < 0 || d.MaxInFlight < 0 {
		return fmt.Errorf("server %s: idle_timeout and max_in_flight must not be negative", d.Name)
	}
	return nil
}

// ValidateServerName validates a server name.
func ValidateServerName(name string) error {
	if name == "" {
		return fmt.Errorf("server name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("server name exceeds 64 character limit")
	}
	if !ServerNameRegex.MatchString(name) {
		return fmt.Errorf("invalid server name %q: must start with a letter and contain only letters, numbers, hyphens, and underscores", name)
	}
	return nil
}

// ValidateArg rejects arguments that cannot be passed through a process
// argument vector intact.
func ValidateArg(arg string) error {
	if strings.ContainsAny(arg, "\x00\n\r") {
		return fmt.Errorf("argument contains a control character")
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

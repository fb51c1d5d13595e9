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

// Package config loads the gateway's YAML configuration, persists the
// runtime enabled flag of each server, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/toolgate/internal/auth"
	"github.com/tombee/toolgate/internal/capability"
	"github.com/tombee/toolgate/internal/registry"
	"github.com/tombee/toolgate/internal/schema"
	"github.com/tombee/toolgate/internal/session"
	"github.com/tombee/toolgate/internal/supervisor"
	"github.com/tombee/toolgate/internal/tracing"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// DefaultFileName is looked up in the working directory.
const DefaultFileName = "toolgate.yaml"

// Config represents the complete gateway configuration.
type Config struct {
	Listen       ListenConfig                                          `yaml:"listen"`
	Servers      []ServerConfig                                        `yaml:"servers"`
	Supervisor   SupervisorConfig                                      `yaml:"supervisor"`
	Adapter      supervisor.AdapterConfig                              `yaml:"adapter"`
	Schema       schema.Limits                                         `yaml:"schema"`
	Session      SessionConfig                                         `yaml:"session"`
	Find         FindConfig                                            `yaml:"find"`
	Routing      RoutingConfig                                         `yaml:"routing"`
	Capabilities map[capability.Capability][]capability.Implementation `yaml:"capabilities"`
	Auth         AuthConfig                                            `yaml:"auth"`
	Tracing      tracing.Config                                        `yaml:"tracing"`
	State        StateConfig                                           `yaml:"state"`

	// path and modTime describe the file the config was loaded from.
	path    string
	modTime time.Time
}

// ListenConfig configures the HTTP listener.
type ListenConfig struct {
	// Address is host:port (default 127.0.0.1:8765).
	Address string `yaml:"address"`

	// AllowRemote permits a non-loopback address. Requires auth.jwt.
	AllowRemote bool `yaml:"allow_remote"`

	// ShutdownTimeout bounds graceful shutdown (default 10s).
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ServerConfig is one backend server entry.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Transport string            `yaml:"transport,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`

	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Mode defaults to cold.
	Mode registry.Mode `yaml:"mode,omitempty"`

	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`
	MaxInFlight int           `yaml:"max_in_flight,omitempty"`
}

// SupervisorConfig tunes process supervision.
type SupervisorConfig struct {
	IdleTimeout   time.Duration                `yaml:"idle_timeout"`
	SweepInterval time.Duration                `yaml:"sweep_interval"`
	StartTimeout  time.Duration                `yaml:"start_timeout"`
	StopTimeout   time.Duration                `yaml:"stop_timeout"`
	Breaker       supervisor.BreakerConfig     `yaml:"breaker"`
	AdaptiveTTL   supervisor.AdaptiveTTLConfig `yaml:"adaptive_ttl"`

	// ExecRetries defaults to 1; 0 disables retries.
	ExecRetries *int `yaml:"exec_retries"`
}

// SessionConfig tunes client sessions.
type SessionConfig struct {
	QueueDepth       int           `yaml:"queue_depth"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	Keepalive        time.Duration `yaml:"keepalive"`

	// RateLimit applies per session. A negative rps disables limiting.
	RateLimit session.RateLimitConfig `yaml:"rate_limit"`
}

// FindConfig tunes the find meta-tool.
type FindConfig struct {
	Limit            int `yaml:"limit"`
	DescriptionLimit int `yaml:"description_limit"`
}

// RoutingConfig tunes the capability router.
type RoutingConfig struct {
	Thresholds        capability.Thresholds `yaml:"thresholds"`
	DefaultCapability capability.Capability `yaml:"default_capability"`
}

// AuthConfig configures the HTTP bearer policy.
type AuthConfig struct {
	JWT auth.Config `yaml:"jwt"`
}

// StateConfig locates the sqlite state database.
type StateConfig struct {
	// Path of the database file. ":memory:" keeps state for the process lifetime only.
	Path string `yaml:"path"`
}

// Default returns a configuration with every default and environment
// override applied and no servers.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	c.loadFromEnv()
	return c
}

// Load reads, expands, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	cfg.modTime = info.ModTime()
	return cfg, nil
}

// Parse decodes YAML and applies expansion, defaults, environment
// overrides and validation.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := c.expandServers(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	c.loadFromEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path is the file the config was loaded from, empty for parsed configs.
func (c *Config) Path() string { return c.path }

// ModTime is the modification time of the loaded file.
func (c *Config) ModTime() time.Time { return c.modTime }

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1:8765"
	}
	if c.Listen.ShutdownTimeout == 0 {
		c.Listen.ShutdownTimeout = 10 * time.Second
	}

	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Enabled == nil {
			enabled := true
			s.Enabled = &enabled
		}
		if s.Mode == "" {
			s.Mode = registry.ModeCold
		}
	}

	sup := &c.Supervisor
	if sup.IdleTimeout == 0 {
		sup.IdleTimeout = 120 * time.Second
	}
	if sup.SweepInterval == 0 {
		sup.SweepInterval = 5 * time.Second
	}
	if sup.StartTimeout == 0 {
		sup.StartTimeout = 30 * time.Second
	}
	if sup.StopTimeout == 0 {
		sup.StopTimeout = 5 * time.Second
	}
	bd := supervisor.DefaultBreakerConfig()
	if sup.Breaker.Threshold == 0 {
		sup.Breaker.Threshold = bd.Threshold
	}
	if sup.Breaker.Window == 0 {
		sup.Breaker.Window = bd.Window
	}
	if sup.Breaker.BaseCooldown == 0 {
		sup.Breaker.BaseCooldown = bd.BaseCooldown
	}
	if sup.Breaker.MaxCooldown == 0 {
		sup.Breaker.MaxCooldown = bd.MaxCooldown
	}
	if sup.Breaker.Jitter == 0 {
		sup.Breaker.Jitter = bd.Jitter
	}
	td := supervisor.DefaultAdaptiveTTLConfig()
	if sup.AdaptiveTTL.Min == 0 {
		sup.AdaptiveTTL.Min = td.Min
	}
	if sup.AdaptiveTTL.Max == 0 {
		sup.AdaptiveTTL.Max = td.Max
	}
	if sup.AdaptiveTTL.Window == 0 {
		sup.AdaptiveTTL.Window = td.Window
	}
	if sup.AdaptiveTTL.BusyCallsPerMinute == 0 {
		sup.AdaptiveTTL.BusyCallsPerMinute = td.BusyCallsPerMinute
	}
	if sup.AdaptiveTTL.ColdStartThreshold == 0 {
		sup.AdaptiveTTL.ColdStartThreshold = td.ColdStartThreshold
	}
	if sup.AdaptiveTTL.ColdStartPenaltyMax == 0 {
		sup.AdaptiveTTL.ColdStartPenaltyMax = td.ColdStartPenaltyMax
	}
	if sup.ExecRetries == nil {
		retries := 1
		sup.ExecRetries = &retries
	}

	if c.Adapter.QueueDepth == 0 {
		c.Adapter.QueueDepth = 64
	}
	if c.Adapter.HandshakeTimeout == 0 {
		c.Adapter.HandshakeTimeout = 30 * time.Second
	}
	if c.Adapter.CallTimeout == 0 {
		c.Adapter.CallTimeout = 60 * time.Second
	}

	ld := schema.DefaultLimits()
	if c.Schema.Description == 0 {
		c.Schema.Description = ld.Description
	}
	if c.Schema.PropertyDescription == 0 {
		c.Schema.PropertyDescription = ld.PropertyDescription
	}

	if c.Session.QueueDepth == 0 {
		c.Session.QueueDepth = 32
	}
	if c.Session.HandshakeTimeout == 0 {
		c.Session.HandshakeTimeout = 30 * time.Second
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 30 * time.Minute
	}
	if c.Session.Keepalive == 0 {
		c.Session.Keepalive = 15 * time.Second
	}
	if c.Session.RateLimit.RPS == 0 {
		c.Session.RateLimit.RPS = 20
	}
	if c.Session.RateLimit.Burst == 0 && c.Session.RateLimit.RPS > 0 {
		c.Session.RateLimit.Burst = int(c.Session.RateLimit.RPS * 2)
	}

	if c.Find.Limit == 0 {
		c.Find.Limit = 20
	}
	if c.Find.DescriptionLimit == 0 {
		c.Find.DescriptionLimit = 100
	}

	if c.Routing.Thresholds == (capability.Thresholds{}) {
		c.Routing.Thresholds = capability.DefaultThresholds()
	}
	if c.Routing.DefaultCapability == "" {
		c.Routing.DefaultCapability = capability.Plan
	}

	c.Tracing.ApplyDefaults()

	if c.State.Path == "" {
		c.State.Path = DefaultStatePath()
	}
}

// loadFromEnv applies environment overrides.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("TOOLGATE_LISTEN"); v != "" {
		c.Listen.Address = v
	}
	if v := os.Getenv("TOOLGATE_STATE_PATH"); v != "" {
		c.State.Path = v
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	host, _, err := net.SplitHostPort(c.Listen.Address)
	if err != nil {
		errs = append(errs, fmt.Errorf("listen.address: %w", err))
	} else if !isLoopback(host) && !c.Listen.AllowRemote {
		errs = append(errs, fmt.Errorf("listen.address %s is not a loopback address; set listen.allow_remote to expose it", c.Listen.Address))
	}
	if c.Listen.AllowRemote && !c.Auth.JWT.Enabled() {
		errs = append(errs, fmt.Errorf("listen.allow_remote requires auth.jwt.secret_env"))
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, def := range c.ServerDefinitions() {
		if seen[def.Name] {
			errs = append(errs, fmt.Errorf("duplicate server name: %s", def.Name))
			continue
		}
		seen[def.Name] = true
		if err := def.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	sup := c.Supervisor
	if sup.IdleTimeout < 0 || sup.SweepInterval < 0 || sup.StartTimeout < 0 || sup.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("supervisor timeouts must not be negative"))
	}
	if sup.Breaker.Threshold < 0 || sup.Breaker.Jitter < 0 || sup.Breaker.Jitter > 1 {
		errs = append(errs, fmt.Errorf("supervisor.breaker: threshold must not be negative and jitter must be within [0, 1]"))
	}
	if sup.Breaker.MaxCooldown < sup.Breaker.BaseCooldown {
		errs = append(errs, fmt.Errorf("supervisor.breaker.max_cooldown must be at least base_cooldown"))
	}
	if sup.AdaptiveTTL.Max < sup.AdaptiveTTL.Min {
		errs = append(errs, fmt.Errorf("supervisor.adaptive_ttl.max must be at least min"))
	}
	if sup.ExecRetries != nil && *sup.ExecRetries < 0 {
		errs = append(errs, fmt.Errorf("supervisor.exec_retries must not be negative"))
	}

	if c.Adapter.QueueDepth < 0 || c.Session.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("queue_depth must not be negative"))
	}
	if c.Find.Limit < 0 || c.Find.DescriptionLimit < 0 {
		errs = append(errs, fmt.Errorf("find limits must not be negative"))
	}

	if err := c.Routing.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("routing.thresholds: %w", err))
	}
	if _, err := capability.ParseCapability(string(c.Routing.DefaultCapability)); err != nil {
		errs = append(errs, fmt.Errorf("routing.default_capability: %w", err))
	}
	for name, impls := range c.Capabilities {
		if _, err := capability.ParseCapability(string(name)); err != nil {
			errs = append(errs, fmt.Errorf("capabilities: %w", err))
			continue
		}
		for _, impl := range impls {
			if !seen[impl.Server] {
				errs = append(errs, fmt.Errorf("capabilities.%s: unknown server %q", name, impl.Server))
			}
			if impl.When != "" {
				if _, err := capability.CompileWhen(impl.When); err != nil {
					errs = append(errs, fmt.Errorf("capabilities.%s: %w", name, err))
				}
			}
		}
	}

	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ServerDefinitions converts the server list to registry definitions, in
// file order.
func (c *Config) ServerDefinitions() []registry.ServerDefinition {
	defs := make([]registry.ServerDefinition, 0, len(c.Servers))
	for _, s := range c.Servers {
		enabled := s.Enabled == nil || *s.Enabled
		defs = append(defs, registry.ServerDefinition{
			Name:        s.Name,
			Command:     s.Command,
			Args:        s.Args,
			Env:         s.Env,
			URL:         s.URL,
			Transport:   s.Transport,
			Headers:     s.Headers,
			Enabled:     enabled,
			Mode:        s.Mode,
			IdleTimeout: s.IdleTimeout,
			MaxInFlight: s.MaxInFlight,
		})
	}
	return defs
}

// SupervisorOptions returns the tuning part of supervisor.Config.
func (c *Config) SupervisorOptions() supervisor.Config {
	return supervisor.Config{
		IdleTimeout:   c.Supervisor.IdleTimeout,
		SweepInterval: c.Supervisor.SweepInterval,
		StartTimeout:  c.Supervisor.StartTimeout,
		Breaker:       c.Supervisor.Breaker,
		AdaptiveTTL:   c.Supervisor.AdaptiveTTL,
		Adapter:       c.Adapter,
	}
}

// ExecRetries returns the exec retry count in the meta-tool router's
// convention, where a negative value disables retries.
func (c *Config) ExecRetries() int {
	if c.Supervisor.ExecRetries == nil {
		return 1
	}
	if *c.Supervisor.ExecRetries == 0 {
		return -1
	}
	return *c.Supervisor.ExecRetries
}

// SessionOptions returns the tuning part of session.Config.
func (c *Config) SessionOptions() session.Config {
	return session.Config{
		QueueDepth:       c.Session.QueueDepth,
		HandshakeTimeout: c.Session.HandshakeTimeout,
		IdleTimeout:      c.Session.IdleTimeout,
		RateLimit:        c.Session.RateLimit,
	}
}

// CapabilityOptions returns the tuning part of capability.Config.
func (c *Config) CapabilityOptions() capability.Config {
	return capability.Config{
		Thresholds:        c.Routing.Thresholds,
		DefaultCapability: c.Routing.DefaultCapability,
		Capabilities:      c.Capabilities,
	}
}

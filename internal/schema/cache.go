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

package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/mcp"
)

// Fetcher retrieves a server's raw tool declarations from its backend.
type Fetcher interface {
	FetchTools(ctx context.Context, server string) ([]json.RawMessage, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, server string) ([]json.RawMessage, error)

// FetchTools implements Fetcher.
func (f FetcherFunc) FetchTools(ctx context.Context, server string) ([]json.RawMessage, error) {
	return f(ctx, server)
}

// Config configures a Cache.
type Config struct {
	Limits Limits
	Logger *slog.Logger
	Now    func() time.Time
}

// entry is one server's catalog. fetch serializes first-fetch; mu guards
// the data so readers never wait on a backend round-trip.
type entry struct {
	fetch sync.Mutex

	mu          sync.RWMutex
	tools       []Tool
	byName      map[string]int
	partitioned []json.RawMessage
	fetchedAt   time.Time
	cached      bool
	gen         uint64
}

// Cache holds full tool catalogs per server.
type Cache struct {
	fetcher Fetcher
	limits  Limits
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache creates a cache that fills itself through fetcher.
func NewCache(fetcher Fetcher, cfg Config) *Cache {
	cfg.Limits.setDefaults()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		fetcher: fetcher,
		limits:  cfg.Limits,
		logger:  log.WithComponent(cfg.Logger, "schema"),
		now:     cfg.Now,
		entries: make(map[string]*entry),
	}
}

func (c *Cache) entry(server string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[server]
	if !ok {
		e = &entry{}
		c.entries[server] = e
	}
	return e
}

func (c *Cache) existing(server string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[server]
}

// GetCatalog returns server's tools, fetching them on first access.
func (c *Cache) GetCatalog(ctx context.Context, server string) ([]Tool, error) {
	e := c.entry(server)
	if tools, ok := e.snapshot(); ok {
		cacheHits.Inc()
		return tools, nil
	}

	e.fetch.Lock()
	defer e.fetch.Unlock()
	if tools, ok := e.snapshot(); ok {
		cacheHits.Inc()
		return tools, nil
	}
	cacheMisses.Inc()

	start := c.now()
	raws, err := c.fetcher.FetchTools(ctx, server)
	if err != nil {
		fetchErrors.WithLabelValues(server).Inc()
		return nil, err
	}
	tools, err := c.store(server, raws)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("fetched tool catalog",
		slog.String(log.ServerKey, server),
		slog.Int("tools", len(tools)),
		slog.Int("tokens", EstimateTokens(joinRaw(raws))),
		log.Duration(log.DurationKey, c.now().Sub(start).Milliseconds()),
	)
	return tools, nil
}

// Put replaces server's catalog with raw declarations.
func (c *Cache) Put(server string, raws []json.RawMessage) error {
	_, err := c.store(server, raws)
	return err
}

func (c *Cache) store(server string, raws []json.RawMessage) ([]Tool, error) {
	tools := make([]Tool, 0, len(raws))
	byName := make(map[string]int, len(raws))
	for _, raw := range raws {
		t, err := ParseTool(server, raw)
		if err != nil {
			c.logger.Warn("skipping malformed tool", slog.String(log.ServerKey, server), log.Error(err))
			continue
		}
		if _, dup := byName[t.Name]; dup {
			c.logger.Warn("skipping duplicate tool", slog.String(log.ServerKey, server), slog.String(log.ToolKey, t.Name))
			continue
		}
		byName[t.Name] = len(tools)
		tools = append(tools, t)
	}

	e := c.entry(server)
	e.mu.Lock()
	e.tools = tools
	e.byName = byName
	e.partitioned = nil
	e.fetchedAt = c.now()
	e.cached = true
	e.gen++
	e.mu.Unlock()

	cachedTools.WithLabelValues(server).Set(float64(len(tools)))
	return append([]Tool(nil), tools...), nil
}

func (e *entry) snapshot() ([]Tool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.cached {
		return nil, false
	}
	return append([]Tool(nil), e.tools...), true
}

// Cached returns server's tools if they are cached, without fetching.
func (c *Cache) Cached(server string) ([]Tool, bool) {
	e := c.existing(server)
	if e == nil {
		return nil, false
	}
	return e.snapshot()
}

// Has reports whether server's catalog is cached.
func (c *Cache) Has(server string) bool {
	_, ok := c.Cached(server)
	return ok
}

// Lookup returns a cached tool. found reports whether the server's catalog
// is cached at all; ok whether it contains the tool.
func (c *Cache) Lookup(server, tool string) (t Tool, ok bool, found bool) {
	e := c.existing(server)
	if e == nil {
		return Tool{}, false, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.cached {
		return Tool{}, false, false
	}
	i, ok := e.byName[tool]
	if !ok {
		return Tool{}, false, true
	}
	return e.tools[i], true, true
}

// Resolve finds a bare tool name across cached catalogs, in the order of
// servers given.
func (c *Cache) Resolve(servers []string, tool string) []Tool {
	var out []Tool
	for _, s := range servers {
		if t, ok, _ := c.Lookup(s, tool); ok {
			out = append(out, t)
		}
	}
	return out
}

// Tool returns one tool, fetching the server's catalog if needed.
func (c *Cache) Tool(ctx context.Context, qualified string) (Tool, error) {
	server, name, ok := SplitQualified(qualified)
	if !ok {
		return Tool{}, mcp.ErrInvalidParams("tool %q must be qualified as server:tool", qualified)
	}
	if t, ok, _ := c.Lookup(server, name); ok {
		return t, nil
	}
	if _, err := c.GetCatalog(ctx, server); err != nil {
		return Tool{}, err
	}
	if t, ok, _ := c.Lookup(server, name); ok {
		return t, nil
	}
	return Tool{}, mcp.ErrUnknownTool(qualified)
}

// Partitioned returns server's partitioned view, building it once per fetch.
func (c *Cache) Partitioned(ctx context.Context, server string) ([]json.RawMessage, error) {
	if _, err := c.GetCatalog(ctx, server); err != nil {
		return nil, err
	}
	e := c.entry(server)

	e.mu.RLock()
	if e.partitioned != nil {
		out := append([]json.RawMessage(nil), e.partitioned...)
		e.mu.RUnlock()
		return out, nil
	}
	tools := append([]Tool(nil), e.tools...)
	gen := e.gen
	e.mu.RUnlock()

	views := make([]json.RawMessage, 0, len(tools))
	for _, t := range tools {
		v, err := Partition(t, c.limits)
		if err != nil {
			c.logger.Warn("skipping unpartitionable tool", slog.String(log.ToolKey, t.QualifiedName()), log.Error(err))
			continue
		}
		views = append(views, v)
	}

	e.mu.Lock()
	if e.gen == gen {
		e.partitioned = views
	}
	e.mu.Unlock()
	return append([]json.RawMessage(nil), views...), nil
}

// Expand resolves path in a tool's full schema, served from cache.
func (c *Cache) Expand(ctx context.Context, qualified string, path []string, mode Mode) (json.RawMessage, error) {
	t, err := c.Tool(ctx, qualified)
	if err != nil {
		return nil, err
	}
	subtree, err := Lookup(t.InputSchema, path)
	if err != nil {
		return nil, err
	}
	if mode != ModeDocs {
		return subtree, nil
	}
	docs, err := BuildDocs(t, path, subtree)
	if err != nil {
		return nil, err
	}
	return json.Marshal(docs)
}

// ExpandQuery is Expand with a jq path expression.
func (c *Cache) ExpandQuery(ctx context.Context, qualified, expr string, mode Mode) (json.RawMessage, error) {
	t, err := c.Tool(ctx, qualified)
	if err != nil {
		return nil, err
	}
	path, err := QueryPath(t.InputSchema, expr)
	if err != nil {
		return nil, err
	}
	return c.Expand(ctx, qualified, path, mode)
}

// Invalidate drops server's catalog. It reports whether one was cached.
func (c *Cache) Invalidate(server string) bool {
	e := c.existing(server)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	was := e.cached
	e.tools = nil
	e.byName = nil
	e.partitioned = nil
	e.cached = false
	e.gen++
	if was {
		invalidations.WithLabelValues(server).Inc()
		cachedTools.DeleteLabelValues(server)
	}
	return was
}

// Remove forgets server entirely.
func (c *Cache) Remove(server string) {
	c.Invalidate(server)
	c.mu.Lock()
	delete(c.entries, server)
	c.mu.Unlock()
}

// Stats summarizes one cached server.
type Stats struct {
	Tools     int       `json:"tools"`
	Tokens    int       `json:"tokens"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Stats returns the cached tool count and token estimate of server.
func (c *Cache) Stats(server string) (Stats, bool) {
	e := c.existing(server)
	if e == nil {
		return Stats{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.cached {
		return Stats{}, false
	}
	size := 0
	for _, t := range e.tools {
		size += len(t.Raw)
	}
	return Stats{Tools: len(e.tools), Tokens: size / 4, FetchedAt: e.fetchedAt}, true
}

// Servers returns the names of servers with a cached catalog, sorted.
func (c *Cache) Servers() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	c.mu.Unlock()

	out := names[:0]
	for _, name := range names {
		if c.Has(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func joinRaw(raws []json.RawMessage) []byte {
	var n int
	for _, r := range raws {
		n += len(r)
	}
	b := make([]byte, 0, n)
	for _, r := range raws {
		b = append(b, r...)
	}
	return b
}

// String implements fmt.Stringer for debugging.
func (s Stats) String() string {
	return fmt.Sprintf("%d tools, ~%d tokens", s.Tools, s.Tokens)
}

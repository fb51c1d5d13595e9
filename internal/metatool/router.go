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

// Package metatool implements the three gateway-native tools clients see in
// place of every backend catalog: find, exec and schema.
package metatool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/mcp"
	"github.com/tombee/toolgate/internal/schema"
	"github.com/tombee/toolgate/internal/supervisor"
)

// Meta-tool names.
const (
	FindName   = "find"
	ExecName   = "exec"
	SchemaName = "schema"
)

// Config configures a Router.
type Config struct {
	// FindLimit caps the tools returned by find (default 20).
	FindLimit int

	// DescriptionLimit caps tool descriptions in find results (default 100 runes).
	DescriptionLimit int

	// ExecRetries is how many times exec restarts a backend that became
	// unavailable mid-call (default 1). Negative disables retries.
	ExecRetries int

	Logger *slog.Logger
	Tracer trace.Tracer
}

func (c *Config) setDefaults() {
	if c.FindLimit <= 0 {
		c.FindLimit = 20
	}
	if c.DescriptionLimit <= 0 {
		c.DescriptionLimit = 100
	}
	if c.ExecRetries == 0 {
		c.ExecRetries = 1
	}
	if c.ExecRetries < 0 {
		c.ExecRetries = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("toolgate/metatool")
	}
}

// Router serves the meta-tools over the supervisor and schema cache.
type Router struct {
	sup    *supervisor.Supervisor
	cache  *schema.Cache
	cfg    Config
	logger *slog.Logger
	tools  []json.RawMessage
}

// New creates a meta-tool router.
func New(sup *supervisor.Supervisor, cache *schema.Cache, cfg Config) *Router {
	cfg.setDefaults()
	return &Router{
		sup:    sup,
		cache:  cache,
		cfg:    cfg,
		logger: log.WithComponent(cfg.Logger, "metatool"),
		tools:  definitions(),
	}
}

// definitions declares find, exec and schema in the order clients see them.
func definitions() []json.RawMessage {
	tools := []mcpgo.Tool{
		mcpgo.NewTool(FindName,
			mcpgo.WithDescription("Search the tools and servers behind this gateway. Use it before exec to discover tool names."),
			mcpgo.WithString("query",
				mcpgo.Description("Keywords matched against tool names, descriptions and server names, or a glob such as 'git*'. Empty lists everything."),
			),
			mcpgo.WithString("server",
				mcpgo.Description("Only search this server. Loads its catalog if it is not cached yet."),
			),
		),
		mcpgo.NewTool(ExecName,
			mcpgo.WithDescription("Call a backend tool. The server is started on demand."),
			mcpgo.WithString("tool",
				mcpgo.Required(),
				mcpgo.Description("Tool to call as 'server:tool', or a bare tool name if it is unique."),
			),
			mcpgo.WithObject("arguments",
				mcpgo.Description("Arguments for the tool. Use schema to see what it accepts."),
			),
		),
		mcpgo.NewTool(SchemaName,
			mcpgo.WithDescription("Return the full input schema of a tool, or expand one part of it."),
			mcpgo.WithString("tool",
				mcpgo.Required(),
				mcpgo.Description("Tool as 'server:tool'."),
			),
			mcpgo.WithString("path",
				mcpgo.Description("Part of the schema to expand: a jq path such as '.properties.filters' or segments joined by '/'."),
			),
			mcpgo.WithString("mode",
				mcpgo.Description("'schema' for the JSON subtree, 'docs' for flattened parameter documentation."),
				mcpgo.Enum(string(schema.ModeSchema), string(schema.ModeDocs)),
			),
		),
	}

	out := make([]json.RawMessage, 0, len(tools))
	for i := range tools {
		b, _ := json.Marshal(&tools[i])
		out = append(out, b)
	}
	return out
}

// Tools returns the meta-tool declarations.
func (r *Router) Tools() []json.RawMessage {
	return append([]json.RawMessage(nil), r.tools...)
}

// IsMetaTool reports whether name is one of the meta-tools.
func IsMetaTool(name string) bool {
	switch name {
	case FindName, ExecName, SchemaName:
		return true
	}
	return false
}

// Call serves a tools/call. Meta-tools are handled here; any other name is
// proxied through exec for clients that call backend tools directly.
func (r *Router) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	result, err := r.call(ctx, name, args)
	label := name
	if !IsMetaTool(name) {
		label = "proxy"
	}
	calls.WithLabelValues(label, outcome(err)).Inc()
	callDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return result, err
}

func (r *Router) call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	switch name {
	case FindName:
		var p FindParams
		if err := decodeArgs(args, &p); err != nil {
			return nil, err
		}
		res, err := r.Find(ctx, p)
		if err != nil {
			return nil, err
		}
		return jsonResult(res)

	case ExecName:
		var p ExecParams
		if err := decodeArgs(args, &p); err != nil {
			return nil, err
		}
		if p.Tool == "" {
			return nil, mcp.ErrInvalidParams("exec requires 'tool'")
		}
		return r.Exec(ctx, p.Tool, p.Arguments)

	case SchemaName:
		var p SchemaParams
		if err := decodeArgs(args, &p); err != nil {
			return nil, err
		}
		res, err := r.Schema(ctx, p)
		if err != nil {
			return nil, err
		}
		return mcp.TextResult(string(res)), nil
	}

	return r.Exec(ctx, name, args)
}

// ExecParams are the arguments of exec.
type ExecParams struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Exec calls a backend tool, starting (and if needed enabling) its server.
// The backend's result is returned verbatim.
func (r *Router) Exec(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	server, name, err := r.resolve(tool)
	if err != nil {
		return nil, err
	}
	if _, ok, found := r.cache.Lookup(server, name); found && !ok {
		return nil, mcp.ErrUnknownTool(schema.Qualify(server, name))
	}

	ctx, span := r.cfg.Tracer.Start(ctx, "metatool.exec",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("toolgate.server", server),
			attribute.String("toolgate.tool", name),
		),
	)
	defer span.End()

	logger := log.WithServer(r.logger, server).With(slog.String(log.ToolKey, name))

	var result json.RawMessage
	for attempt := 0; ; attempt++ {
		span.SetAttributes(attribute.Int("toolgate.attempt", attempt+1))
		result, err = r.execOnce(ctx, server, name, args)
		if err == nil || attempt >= r.cfg.ExecRetries || !mcp.IsKind(err, mcp.KindBackendUnavailable) {
			break
		}
		execRetries.WithLabelValues(server).Inc()
		logger.Warn("backend unavailable, retrying call", log.Error(err), slog.Int("attempt", attempt+1))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug("exec failed", log.Error(err))
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (r *Router) execOnce(ctx context.Context, server, name string, args json.RawMessage) (json.RawMessage, error) {
	a, err := r.sup.EnsureRunning(ctx, server)
	if err != nil {
		return nil, err
	}

	if !r.cache.Has(server) {
		// Fill the cache while the server is up so later reads need no restart.
		if _, err := r.cache.GetCatalog(ctx, server); err != nil {
			r.logger.Debug("catalog prefetch failed", slog.String(log.ServerKey, server), log.Error(err))
		} else if _, ok, _ := r.cache.Lookup(server, name); !ok {
			return nil, mcp.ErrUnknownTool(schema.Qualify(server, name))
		}
	}

	defer r.sup.Touch(server)
	return a.CallTool(ctx, name, args)
}

// resolve maps a tool reference to its server. Bare names must resolve to
// exactly one cached tool.
func (r *Router) resolve(ref string) (server, name string, err error) {
	if s, n, ok := schema.SplitQualified(ref); ok {
		if !r.sup.Registry().Has(s) {
			return "", "", mcp.ErrUnknownServer(s)
		}
		return s, n, nil
	}

	matches := r.cache.Resolve(r.sup.Registry().Names(), ref)
	switch len(matches) {
	case 1:
		return matches[0].Server, matches[0].Name, nil
	case 0:
		return "", "", mcp.ErrUnknownTool(ref)
	}
	candidates := make([]string, len(matches))
	for i, t := range matches {
		candidates[i] = t.QualifiedName()
	}
	return "", "", mcp.ErrUnknownTool(ref, candidates...)
}

// SchemaParams are the arguments of schema.
type SchemaParams struct {
	Tool string          `json:"tool"`
	Path json.RawMessage `json:"path,omitempty"`
	Mode string          `json:"mode,omitempty"`
}

// SchemaResult is the result of schema without a path.
type SchemaResult struct {
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Schema returns a tool's full input schema, or expands one part of it.
// It is served from the cache; a catalog is fetched only on first use.
func (r *Router) Schema(ctx context.Context, p SchemaParams) (json.RawMessage, error) {
	if p.Tool == "" {
		return nil, mcp.ErrInvalidParams("schema requires 'tool'")
	}
	mode, err := schema.ParseMode(p.Mode)
	if err != nil {
		return nil, err
	}

	server, name, err := r.resolve(p.Tool)
	if err != nil {
		return nil, err
	}
	qualified := schema.Qualify(server, name)

	segments, expr, err := parsePath(p.Path)
	if err != nil {
		return nil, err
	}
	switch {
	case expr != "":
		return r.cache.ExpandQuery(ctx, qualified, expr, mode)
	case segments != nil || mode == schema.ModeDocs:
		return r.cache.Expand(ctx, qualified, segments, mode)
	}

	t, err := r.cache.Tool(ctx, qualified)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SchemaResult{
		Name:        t.QualifiedName(),
		Server:      t.Server,
		Description: t.Description,
		InputSchema: t.InputSchema,
	})
}

// parsePath accepts a segment array, a jq path string starting with '.',
// or segments joined by '/'.
func parsePath(raw json.RawMessage) (segments []string, expr string, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, "", nil
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		if len(segments) == 0 {
			return nil, "", nil
		}
		return segments, "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, "", mcp.ErrInvalidParams("path must be a string or an array of strings")
	}
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == ".":
		return nil, "", nil
	case strings.HasPrefix(s, "."):
		return nil, s, nil
	}
	return strings.Split(strings.Trim(s, "/"), "/"), "", nil
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return mcp.ErrInvalidParams("invalid arguments: %v", err)
	}
	return nil
}

func jsonResult(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, mcp.NewError(mcp.KindInternal, "failed to encode result").WithCause(err)
	}
	return mcp.TextResult(string(b)), nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return "rpc_error"
	}
	return string(mcp.KindOf(err))
}

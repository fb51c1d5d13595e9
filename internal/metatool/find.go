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

package metatool

import (
	"context"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/text/cases"

	"github.com/tombee/toolgate/internal/mcp"
	"github.com/tombee/toolgate/internal/registry"
	"github.com/tombee/toolgate/internal/schema"
)

// FindParams are the arguments of find.
type FindParams struct {
	Query  string `json:"query,omitempty"`
	Server string `json:"server,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ServerMatch describes one server in a find result.
type ServerMatch struct {
	Name       string        `json:"name"`
	Enabled    bool          `json:"enabled"`
	Mode       registry.Mode `json:"mode"`
	State      string        `json:"state"`
	ToolsCount int           `json:"toolsCount"`
	Cached     bool          `json:"cached"`
}

// ToolMatch describes one tool in a find result.
type ToolMatch struct {
	Name        string `json:"name"`
	Server      string `json:"server"`
	Description string `json:"description,omitempty"`
}

// FindResult is the result of find.
type FindResult struct {
	Servers      []ServerMatch `json:"servers"`
	Tools        []ToolMatch   `json:"tools"`
	TotalServers int           `json:"totalServers"`
	TotalTools   int           `json:"totalTools"`
	Truncated    bool          `json:"truncated"`
}

// Find searches servers and cached tools. Without a server filter nothing
// is fetched or started; naming a server loads its catalog, probing it
// without enabling it when it is disabled.
func (r *Router) Find(ctx context.Context, p FindParams) (*FindResult, error) {
	m, err := newMatcher(p.Query)
	if err != nil {
		return nil, err
	}

	reg := r.sup.Registry()
	if p.Server != "" {
		if !reg.Has(p.Server) {
			return nil, mcp.ErrUnknownServer(p.Server)
		}
		if _, err := r.cache.GetCatalog(ctx, p.Server); err != nil {
			return nil, err
		}
	}

	limit := r.cfg.FindLimit
	if p.Limit > 0 {
		limit = p.Limit
	}

	res := &FindResult{Servers: []ServerMatch{}, Tools: []ToolMatch{}}
	for _, def := range reg.List() {
		tools, cached := r.cache.Cached(def.Name)
		res.TotalServers++
		res.TotalTools += len(tools)
		if p.Server != "" && def.Name != p.Server {
			continue
		}

		hit := false
		for _, t := range tools {
			if !m.matchTool(t) {
				continue
			}
			hit = true
			if len(res.Tools) >= limit {
				res.Truncated = true
				continue
			}
			res.Tools = append(res.Tools, ToolMatch{
				Name:        t.QualifiedName(),
				Server:      t.Server,
				Description: schema.Truncate(t.Description, r.cfg.DescriptionLimit),
			})
		}

		if m.empty() || hit || m.matchServer(def.Name) {
			res.Servers = append(res.Servers, ServerMatch{
				Name:       def.Name,
				Enabled:    def.Enabled,
				Mode:       def.Mode,
				State:      string(r.sup.State(def.Name)),
				ToolsCount: len(tools),
				Cached:     cached,
			})
		}
	}
	return res, nil
}

// matcher matches a find query. Queries with glob metacharacters are
// globs over tool names; anything else is a set of keywords that must all
// appear in the tool's name, description or server.
type matcher struct {
	fold     cases.Caser
	glob     string
	keywords []string
}

func newMatcher(query string) (*matcher, error) {
	m := &matcher{fold: cases.Fold()}
	query = strings.TrimSpace(query)
	if query == "" {
		return m, nil
	}
	if strings.ContainsAny(query, "*?[") {
		m.glob = m.fold.String(query)
		if !doublestar.ValidatePattern(m.glob) {
			return nil, mcp.ErrInvalidParams("invalid glob pattern %q", query)
		}
		return m, nil
	}
	m.keywords = strings.Fields(m.fold.String(query))
	return m, nil
}

func (m *matcher) empty() bool {
	return m.glob == "" && len(m.keywords) == 0
}

func (m *matcher) matchServer(name string) bool {
	if m.empty() {
		return true
	}
	return m.match(m.fold.String(name))
}

func (m *matcher) matchTool(t schema.Tool) bool {
	if m.empty() {
		return true
	}
	if m.glob != "" {
		return m.globMatch(m.fold.String(t.Name)) || m.globMatch(m.fold.String(t.QualifiedName()))
	}
	return m.match(m.fold.String(t.Name + " " + t.Description + " " + t.Server))
}

func (m *matcher) match(haystack string) bool {
	if m.glob != "" {
		return m.globMatch(haystack)
	}
	for _, kw := range m.keywords {
		if !strings.Contains(haystack, kw) {
			return false
		}
	}
	return true
}

func (m *matcher) globMatch(s string) bool {
	ok, err := doublestar.Match(m.glob, s)
	return err == nil && ok
}

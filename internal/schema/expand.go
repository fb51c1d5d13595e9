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
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/tombee/toolgate/internal/mcp"
)

// Mode selects what Expand returns.
type Mode string

const (
	// ModeSchema returns the raw schema subtree.
	ModeSchema Mode = "schema"
	// ModeDocs returns flattened human documentation.
	ModeDocs Mode = "docs"
)

// ParseMode validates a mode string. Empty means ModeSchema.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSchema:
		return ModeSchema, nil
	case ModeDocs:
		return ModeDocs, nil
	default:
		return "", mcp.ErrInvalidParams("invalid mode %q: must be schema or docs", s)
	}
}

// Lookup returns the subtree of raw at path, byte for byte. Each segment is
// tried as a direct key, then under "properties"; numeric segments index
// arrays.
func Lookup(raw json.RawMessage, path []string) (json.RawMessage, error) {
	cur := raw
	for i, seg := range path {
		next, ok := child(cur, seg)
		if !ok {
			return nil, mcp.ErrInvalidParams("path %q not found in schema", strings.Join(path[:i+1], "."))
		}
		cur = next
	}
	return cur, nil
}

func child(raw json.RawMessage, seg string) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false
	}
	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, false
		}
		if v, ok := obj[seg]; ok {
			return v, true
		}
		if props, ok := obj["properties"]; ok {
			var pm map[string]json.RawMessage
			if err := json.Unmarshal(props, &pm); err == nil {
				if v, ok := pm[seg]; ok {
					return v, true
				}
			}
		}
	case '[':
		idx, err := strconv.Atoi(seg)
		if err != nil {
			return nil, false
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil || idx < 0 || idx >= len(arr) {
			return nil, false
		}
		return arr[idx], true
	}
	return nil, false
}

// QueryPath resolves a jq path expression such as .properties.filters.items
// against raw and returns the equivalent segment list.
func QueryPath(raw json.RawMessage, expr string) ([]string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "." {
		return nil, nil
	}
	query, err := gojq.Parse("path(" + expr + ")")
	if err != nil {
		return nil, mcp.ErrInvalidParams("invalid path expression %q: %v", expr, err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	iter := query.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil, mcp.ErrInvalidParams("path expression %q matched nothing", expr)
	}
	if err, isErr := v.(error); isErr {
		return nil, mcp.ErrInvalidParams("path expression %q: %v", expr, err)
	}
	parts, ok := v.([]any)
	if !ok {
		return nil, mcp.ErrInvalidParams("path expression %q did not produce a path", expr)
	}

	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p := p.(type) {
		case string:
			segs = append(segs, p)
		case int:
			segs = append(segs, strconv.Itoa(p))
		case float64:
			segs = append(segs, strconv.Itoa(int(p)))
		default:
			return nil, mcp.ErrInvalidParams("path expression %q uses an unsupported path component", expr)
		}
	}
	return segs, nil
}

// Param is one flattened parameter in a docs expansion.
type Param struct {
	Path        string `json:"path"`
	Type        any    `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Default     any    `json:"default,omitempty"`
	Examples    []any  `json:"examples,omitempty"`
	Required    bool   `json:"required"`
}

// Docs is the docs-mode expansion of a tool.
type Docs struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Path        string  `json:"path,omitempty"`
	Parameters  []Param `json:"parameters"`
}

// BuildDocs flattens the parameters under subtree.
func BuildDocs(t Tool, path []string, subtree json.RawMessage) (Docs, error) {
	var node map[string]any
	if err := json.Unmarshal(subtree, &node); err != nil {
		return Docs{}, mcp.ErrInvalidParams("path %q is not a schema object", strings.Join(path, "."))
	}
	d := Docs{
		Name:        t.QualifiedName(),
		Description: t.Description,
		Path:        strings.Join(path, "."),
		Parameters:  []Param{},
	}
	flatten(node, "", &d.Parameters)
	if len(d.Parameters) == 0 && len(path) > 0 {
		// A leaf: document the node itself.
		d.Parameters = append(d.Parameters, param(d.Path, node, false))
	}
	return d, nil
}

func flatten(node map[string]any, prefix string, out *[]Param) {
	required := make(map[string]bool)
	if req, ok := node["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	props, _ := node["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		*out = append(*out, param(path, p, required[name]))
		flatten(p, path, out)
		if items, ok := p["items"].(map[string]any); ok {
			flatten(items, path+"[]", out)
		}
	}
}

func param(path string, p map[string]any, required bool) Param {
	par := Param{Path: path, Required: required}
	if t, ok := p["type"]; ok {
		par.Type = t
	} else {
		par.Type = unionType(p)
	}
	par.Description, _ = p["description"].(string)
	par.Enum, _ = p["enum"].([]any)
	par.Default = p["default"]
	par.Examples, _ = p["examples"].([]any)
	return par
}

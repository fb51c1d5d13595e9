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
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Limits bound the text kept in a partitioned view.
type Limits struct {
	// Description caps the tool summary, in runes (default 160).
	Description int `yaml:"description_limit"`
	// PropertyDescription caps each property description, in runes (default 80).
	PropertyDescription int `yaml:"property_description_limit"`
}

// DefaultLimits returns the default partition limits.
func DefaultLimits() Limits {
	return Limits{Description: 160, PropertyDescription: 80}
}

func (l *Limits) setDefaults() {
	d := DefaultLimits()
	if l.Description <= 0 {
		l.Description = d.Description
	}
	if l.PropertyDescription <= 0 {
		l.PropertyDescription = d.PropertyDescription
	}
}

// keptKeywords are copied from a property into the partitioned view.
var keptKeywords = []string{"enum", "const", "format", "default"}

// sentenceEnds terminate the summary sentence.
var sentenceEnds = []string{". ", "。", "！", "? ", "？", "\n"}

// Partition returns the client-facing view of a tool: its qualified name,
// a one-sentence summary and the top-level properties without nesting.
// It is a pure function of the tool.
func Partition(t Tool, limits Limits) (json.RawMessage, error) {
	limits.setDefaults()

	var schema map[string]any
	if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
		return nil, fmt.Errorf("decode input schema of %s: %w", t.QualifiedName(), err)
	}

	summary := Summarize(t.Description, limits.Description)
	hasDocs := summary != strings.TrimSpace(t.Description)

	view := map[string]any{"type": "object"}
	if props, ok := schema["properties"].(map[string]any); ok {
		out := make(map[string]any, len(props))
		for name, raw := range props {
			p, ok := raw.(map[string]any)
			if !ok {
				out[name] = map[string]any{}
				continue
			}
			slim, lossy := partitionProperty(p, limits.PropertyDescription)
			hasDocs = hasDocs || lossy
			out[name] = slim
		}
		view["properties"] = out
	}
	if req, ok := schema["required"].([]any); ok && len(req) > 0 {
		view["required"] = req
	}

	meta := map[string]any{"partitioned": true, "hasDocs": hasDocs}
	if hasDocs {
		meta["docHint"] = fmt.Sprintf(`call schema with {"tool":%q,"mode":"docs"} for full documentation`, t.QualifiedName())
	}

	return json.Marshal(map[string]any{
		"name":        t.QualifiedName(),
		"description": summary,
		"inputSchema": view,
		"_meta":       meta,
	})
}

// partitionProperty keeps the shallow keywords of one property and reports
// whether anything was dropped.
func partitionProperty(p map[string]any, descLimit int) (map[string]any, bool) {
	out := make(map[string]any)
	lossy := false

	if t, ok := p["type"]; ok {
		out["type"] = t
	} else if t := unionType(p); t != nil {
		out["type"] = t
		lossy = true
	}
	if d, ok := p["description"].(string); ok && d != "" {
		short := Truncate(d, descLimit)
		out["description"] = short
		lossy = lossy || short != d
	}
	for _, k := range keptKeywords {
		if v, ok := p[k]; ok {
			out[k] = v
		}
	}
	if items, ok := p["items"].(map[string]any); ok {
		if t, ok := items["type"]; ok {
			out["items"] = map[string]any{"type": t}
		}
		lossy = lossy || len(items) > 1
	}
	if _, ok := p["properties"]; ok {
		lossy = true
	}
	if _, ok := p["examples"]; ok {
		lossy = true
	}
	return out, lossy
}

// unionType derives a type from anyOf/oneOf branches.
func unionType(p map[string]any) any {
	for _, key := range []string{"anyOf", "oneOf"} {
		branches, ok := p[key].([]any)
		if !ok {
			continue
		}
		var types []any
		seen := make(map[string]bool)
		for _, b := range branches {
			bm, ok := b.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := bm["type"].(string); ok && !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
		switch len(types) {
		case 0:
			continue
		case 1:
			return types[0]
		default:
			return types
		}
	}
	return nil
}

// Summarize returns the first sentence of a description, cut to limit runes.
func Summarize(desc string, limit int) string {
	desc = strings.TrimSpace(desc)
	end := len(desc)
	best := -1
	for _, sep := range sentenceEnds {
		i := strings.Index(desc, sep)
		if i < 0 || (best >= 0 && i >= best) {
			continue
		}
		best = i
		// Keep the punctuation, drop the trailing space or newline.
		end = i + len(strings.TrimRight(sep, " \n"))
	}
	return Truncate(strings.TrimSpace(desc[:end]), limit)
}

// Truncate cuts s to limit runes, marking the cut with an ellipsis.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}

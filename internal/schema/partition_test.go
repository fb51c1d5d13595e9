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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Full text query. Supports boolean operators like AND, OR and NOT, quoted phrases, and field prefixes such as title: or author:."},
    "limit": {"type": "integer", "default": 10, "minimum": 1},
    "sort": {"type": "string", "enum": ["relevance", "date"]},
    "filters": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "field": {"type": "string", "description": "Field to filter on"},
          "value": {"anyOf": [{"type": "string"}, {"type": "number"}]}
        },
        "required": ["field"]
      }
    },
    "since": {"oneOf": [{"type": "string", "format": "date"}, {"type": "null"}]}
  },
  "required": ["query"]
}`

func searchTool() Tool {
	return Tool{
		Server:      "docs",
		Name:        "search",
		Description: "Search the document index. Results are ranked by relevance and paginated.",
		InputSchema: json.RawMessage(searchSchema),
	}
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestPartition(t *testing.T) {
	raw, err := Partition(searchTool(), Limits{Description: 160, PropertyDescription: 40})
	require.NoError(t, err)
	view := decode(t, raw)

	assert.Equal(t, "docs:search", view["name"])
	assert.Equal(t, "Search the document index.", view["description"])

	input := view["inputSchema"].(map[string]any)
	props := input["properties"].(map[string]any)
	assert.Equal(t, []any{"query"}, input["required"])

	query := props["query"].(map[string]any)
	assert.Equal(t, "string", query["type"])
	assert.LessOrEqual(t, len([]rune(query["description"].(string))), 40)
	assert.True(t, strings.HasSuffix(query["description"].(string), "…"))

	limit := props["limit"].(map[string]any)
	assert.Equal(t, float64(10), limit["default"])
	assert.NotContains(t, limit, "minimum")

	assert.Equal(t, []any{"relevance", "date"}, props["sort"].(map[string]any)["enum"])

	filters := props["filters"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "object"}, filters["items"])
	assert.NotContains(t, filters, "properties")

	assert.Equal(t, []any{"string", "null"}, props["since"].(map[string]any)["type"])

	meta := view["_meta"].(map[string]any)
	assert.Equal(t, true, meta["partitioned"])
	assert.Equal(t, true, meta["hasDocs"])
	assert.Contains(t, meta["docHint"], `"docs:search"`)
}

func TestPartition_NeverNestsProperties(t *testing.T) {
	raw, err := Partition(searchTool(), DefaultLimits())
	require.NoError(t, err)

	props := decode(t, raw)["inputSchema"].(map[string]any)["properties"].(map[string]any)
	for name, p := range props {
		pm := p.(map[string]any)
		assert.NotContains(t, pm, "properties", name)
		if items, ok := pm["items"].(map[string]any); ok {
			assert.NotContains(t, items, "properties", name)
		}
	}
}

func TestPartition_Deterministic(t *testing.T) {
	a, err := Partition(searchTool(), DefaultLimits())
	require.NoError(t, err)
	b, err := Partition(searchTool(), DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestPartition_SimpleToolHasNoDocs(t *testing.T) {
	tool := Tool{
		Server:      "sys",
		Name:        "ping",
		Description: "Ping the server.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"host":{"type":"string"}}}`),
	}
	raw, err := Partition(tool, DefaultLimits())
	require.NoError(t, err)
	meta := decode(t, raw)["_meta"].(map[string]any)
	assert.Equal(t, false, meta["hasDocs"])
	assert.NotContains(t, meta, "docHint")
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{name: "first sentence", in: "Read a file. Returns its contents.", limit: 160, want: "Read a file."},
		{name: "newline", in: "List files\nwith details", limit: 160, want: "List files"},
		{name: "question", in: "What time is it? Ask the clock.", limit: 160, want: "What time is it?"},
		{name: "cjk", in: "ファイルを読む。内容を返す。", limit: 160, want: "ファイルを読む。"},
		{name: "no delimiter", in: "single clause", limit: 160, want: "single clause"},
		{name: "version number is not a sentence end", in: "Uses v1.2 of the API. More.", limit: 160, want: "Uses v1.2 of the API."},
		{name: "truncated", in: "abcdefghijklmnop", limit: 8, want: "abcdefg…"},
		{name: "empty", in: "  ", limit: 10, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.in, tt.limit))
		})
	}
}

func TestSplitQualified(t *testing.T) {
	tests := []struct {
		in     string
		server string
		tool   string
		ok     bool
	}{
		{in: "fs:read", server: "fs", tool: "read", ok: true},
		{in: "fs:ns:read", server: "fs", tool: "ns:read", ok: true},
		{in: "read", ok: false},
		{in: ":read", ok: false},
		{in: "fs:", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			server, tool, ok := SplitQualified(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.server, server)
			assert.Equal(t, tt.tool, tool)
		})
	}
}

func TestParseTool(t *testing.T) {
	tool, err := ParseTool("fs", json.RawMessage(`{"name":"read","description":"Read."}`))
	require.NoError(t, err)
	assert.Equal(t, "fs:read", tool.QualifiedName())
	assert.JSONEq(t, `{"type":"object"}`, string(tool.InputSchema))

	_, err = ParseTool("fs", json.RawMessage(`{"description":"nameless"}`))
	assert.Error(t, err)
}

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
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/toolgate/internal/mcp"
)

// allPaths walks raw and records every reachable path with its exact bytes.
func allPaths(t *testing.T, raw json.RawMessage, prefix []string, out map[string]json.RawMessage) {
	t.Helper()
	key, _ := json.Marshal(prefix)
	out[string(key)] = raw

	trimmed := bytes.TrimSpace(raw)
	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(trimmed, &obj))
		for k, v := range obj {
			allPaths(t, v, append(append([]string(nil), prefix...), k), out)
		}
	case '[':
		var arr []json.RawMessage
		require.NoError(t, json.Unmarshal(trimmed, &arr))
		for i, v := range arr {
			allPaths(t, v, append(append([]string(nil), prefix...), strconv.Itoa(i)), out)
		}
	}
}

func TestLookup_Lossless(t *testing.T) {
	paths := make(map[string]json.RawMessage)
	allPaths(t, json.RawMessage(searchSchema), nil, paths)
	require.Greater(t, len(paths), 20)

	for key, want := range paths {
		var path []string
		require.NoError(t, json.Unmarshal([]byte(key), &path))
		got, err := Lookup(json.RawMessage(searchSchema), path)
		require.NoError(t, err, key)
		assert.Equal(t, string(want), string(got), key)
	}
}

func TestLookup(t *testing.T) {
	raw := json.RawMessage(searchSchema)
	tests := []struct {
		name    string
		path    []string
		want    string
		wantErr bool
	}{
		{name: "root", path: nil, want: searchSchema},
		{name: "property shortcut", path: []string{"limit"}, want: `{"type": "integer", "default": 10, "minimum": 1}`},
		{name: "explicit properties", path: []string{"properties", "limit", "minimum"}, want: `1`},
		{name: "nested shortcut", path: []string{"filters", "items", "field"}, want: `{"type": "string", "description": "Field to filter on"}`},
		{name: "array index", path: []string{"sort", "enum", "1"}, want: `"date"`},
		{name: "missing", path: []string{"nope"}, wantErr: true},
		{name: "index out of range", path: []string{"sort", "enum", "5"}, wantErr: true},
		{name: "descend into scalar", path: []string{"limit", "type", "x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Lookup(raw, tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, mcp.IsKind(err, mcp.KindInvalidParams))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestQueryPath(t *testing.T) {
	raw := json.RawMessage(searchSchema)
	tests := []struct {
		name    string
		expr    string
		want    []string
		wantErr bool
	}{
		{name: "identity", expr: ".", want: nil},
		{name: "field chain", expr: ".properties.filters.items", want: []string{"properties", "filters", "items"}},
		{name: "index", expr: `.properties.sort.enum[0]`, want: []string{"properties", "sort", "enum", "0"}},
		{name: "syntax error", expr: ".properties[", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := QueryPath(raw, tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildDocs(t *testing.T) {
	tool := searchTool()
	docs, err := BuildDocs(tool, nil, tool.InputSchema)
	require.NoError(t, err)

	assert.Equal(t, "docs:search", docs.Name)
	assert.Equal(t, tool.Description, docs.Description)

	byPath := make(map[string]Param)
	for _, p := range docs.Parameters {
		byPath[p.Path] = p
	}
	require.Contains(t, byPath, "query")
	assert.True(t, byPath["query"].Required)
	assert.Contains(t, byPath["query"].Description, "field prefixes")
	assert.Equal(t, float64(10), byPath["limit"].Default)
	assert.Equal(t, []any{"relevance", "date"}, byPath["sort"].Enum)
	require.Contains(t, byPath, "filters[].field")
	assert.True(t, byPath["filters[].field"].Required)
	assert.Equal(t, []any{"string", "number"}, byPath["filters[].value"].Type)
}

func TestBuildDocs_Leaf(t *testing.T) {
	tool := searchTool()
	sub, err := Lookup(tool.InputSchema, []string{"sort"})
	require.NoError(t, err)

	docs, err := BuildDocs(tool, []string{"sort"}, sub)
	require.NoError(t, err)
	require.Len(t, docs.Parameters, 1)
	assert.Equal(t, "sort", docs.Parameters[0].Path)
	assert.Equal(t, "string", docs.Parameters[0].Type)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSchema, m)
	m, err = ParseMode("docs")
	require.NoError(t, err)
	assert.Equal(t, ModeDocs, m)
	_, err = ParseMode("yaml")
	assert.True(t, mcp.IsKind(err, mcp.KindInvalidParams))
}

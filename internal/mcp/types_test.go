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

package mcp

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_IsNotification(t *testing.T) {
	tests := []struct {
		frame string
		want  bool
	}{
		{`{"jsonrpc":"2.0","method":"notifications/initialized"}`, true},
		{`{"jsonrpc":"2.0","id":null,"method":"x"}`, true},
		{`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, false},
		{`{"jsonrpc":"2.0","id":"abc","method":"tools/call"}`, false},
	}
	for _, tt := range tests {
		var req Request
		require.NoError(t, json.Unmarshal([]byte(tt.frame), &req))
		assert.Equal(t, tt.want, req.IsNotification(), tt.frame)
	}
}

func TestNewResult_PreservesRawResult(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"type":"text","text":"hi"}],"custom":{"b":1,"a":2}}`)
	resp := NewResult(json.RawMessage(`7`), raw)

	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{"content":[{"type":"text","text":"hi"}],"custom":{"b":1,"a":2}}}`, string(b))
	assert.Contains(t, string(b), `"custom":{"b":1,"a":2}`)
}

func TestNewErrorResponse_NullID(t *testing.T) {
	resp := NewErrorResponse(nil, errors.New("bad"))
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"id":null`)
}

func TestTextResult(t *testing.T) {
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(TextResult("hello"), &res))
	require.Len(t, res.Content, 1)
	assert.Equal(t, "text", res.Content[0].Type)
	assert.Equal(t, "hello", res.Content[0].Text)
	assert.False(t, res.IsError)

	require.NoError(t, json.Unmarshal(ErrorResult("nope"), &res))
	assert.True(t, res.IsError)
}

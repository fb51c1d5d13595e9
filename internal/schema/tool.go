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

// Package schema caches backend tool catalogs and derives the token-light
// partitioned view handed to clients. The cache keeps every byte a backend
// declared; partitioning only shapes what is shown until a client expands it.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Separator joins a server name and a tool name.
const Separator = ":"

// Tool is one cached backend tool.
type Tool struct {
	// Server owns the tool.
	Server string
	// Name is the backend's own tool name.
	Name string
	// Description is the backend's full description.
	Description string
	// InputSchema is the backend's input schema, byte for byte.
	InputSchema json.RawMessage
	// Raw is the complete tool object as declared.
	Raw json.RawMessage
}

// QualifiedName returns server:tool.
func (t Tool) QualifiedName() string {
	return Qualify(t.Server, t.Name)
}

// Qualify joins server and tool names.
func Qualify(server, tool string) string {
	return server + Separator + tool
}

// SplitQualified splits server:tool. Tool names may themselves contain ':'.
func SplitQualified(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, Separator)
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// ParseTool decodes a raw tool declaration.
func ParseTool(server string, raw json.RawMessage) (Tool, error) {
	var decl struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &decl); err != nil {
		return Tool{}, fmt.Errorf("decode tool from %s: %w", server, err)
	}
	if decl.Name == "" {
		return Tool{}, fmt.Errorf("tool from %s has no name", server)
	}
	if len(decl.InputSchema) == 0 || string(decl.InputSchema) == "null" {
		decl.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	return Tool{
		Server:      server,
		Name:        decl.Name,
		Description: decl.Description,
		InputSchema: decl.InputSchema,
		Raw:         raw,
	}, nil
}

// EstimateTokens approximates the prompt cost of a payload.
func EstimateTokens(b []byte) int {
	return len(b) / 4
}

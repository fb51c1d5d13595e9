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
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEmitter_SubscribeAndUnsubscribe(t *testing.T) {
	var buf bytes.Buffer
	e := NewEventEmitter(slog.New(slog.NewJSONHandler(&buf, nil)))

	var got []ServerEvent
	unsubscribe := e.Subscribe(func(ev ServerEvent) { got = append(got, ev) })

	e.EmitStarted("github", 42)
	e.EmitFailed("github", errors.New("exit status 1"))
	unsubscribe()
	e.EmitStopped("github", "idle")

	require.Len(t, got, 2)
	assert.Equal(t, EventStarted, got[0].Type)
	assert.Equal(t, 42, got[0].Details["pid"])
	assert.Equal(t, EventFailed, got[1].Type)
	assert.False(t, got[1].Timestamp.IsZero())

	assert.Contains(t, buf.String(), `"type":"stopped"`)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestEventEmitter_EnabledEvents(t *testing.T) {
	e := NewEventEmitter(nil)

	var types []EventType
	e.Subscribe(func(ev ServerEvent) { types = append(types, ev.Type) })

	e.EmitEnabled("a", true, true)
	e.EmitEnabled("a", false, false)
	e.EmitCircuitOpen("a", time.Second)

	assert.Equal(t, []EventType{EventEnabled, EventDisabled, EventCircuitOpen}, types)
}

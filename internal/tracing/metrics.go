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

package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the OpenTelemetry instruments recorded by the gateway.
// A nil *Instruments records nothing.
type Instruments struct {
	toolCalls    metric.Int64Counter
	callDuration metric.Float64Histogram
}

// NewInstruments creates the instruments on a meter provider.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter("toolgate")
	in := &Instruments{}

	var err error
	in.toolCalls, err = meter.Int64Counter(
		"toolgate_tool_calls",
		metric.WithDescription("Client tool calls handled by the gateway"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	in.callDuration, err = meter.Float64Histogram(
		"toolgate_tool_call_duration",
		metric.WithDescription("Client tool call latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return in, nil
}

// RecordCall records one tools/call.
func (in *Instruments) RecordCall(ctx context.Context, tool, outcome string, d time.Duration) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	in.toolCalls.Add(ctx, 1, attrs)
	in.callDuration.Record(ctx, d.Seconds(), attrs)
}

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

package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tombee/toolgate/internal/mcp"
)

var (
	// handshakesStarted counts backend handshakes by server
	handshakesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_adapter_handshakes_total",
			Help: "Total backend handshakes started by server",
		},
		[]string{"server"},
	)

	// handshakeDuration tracks time from spawn to ready
	handshakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolgate_adapter_handshake_seconds",
			Help:    "Time from backend launch to completed handshake",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"server"},
	)

	// queueRejections counts calls refused because the handshake queue was full
	queueRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_adapter_queue_rejections_total",
			Help: "Calls rejected with NotInitialized because the handshake queue was full",
		},
		[]string{"server"},
	)

	// faults counts adapters that transitioned to faulted
	faults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_adapter_faults_total",
			Help: "Backend faults by server and error kind",
		},
		[]string{"server", "kind"},
	)

	// callsTotal counts forwarded calls by outcome
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_adapter_calls_total",
			Help: "Forwarded backend calls by server, method and outcome",
		},
		[]string{"server", "method", "outcome"},
	)

	inFlightGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolgate_adapter_inflight_calls",
			Help: "Calls currently outstanding at each backend",
		},
		[]string{"server"},
	)
)

// callLatency is exported through whichever MeterProvider is installed globally.
var callLatency, _ = otel.Meter("toolgate/adapter").Float64Histogram(
	"toolgate_backend_call_latency_seconds",
	metric.WithDescription("Latency of calls forwarded to backend servers"),
	metric.WithUnit("s"),
)

func recordCall(ctx context.Context, server, method string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) {
			outcome = "rpc_error"
		} else {
			outcome = string(mcp.KindOf(err))
		}
	}
	callsTotal.WithLabelValues(server, method, outcome).Inc()
	if callLatency != nil {
		callLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("method", method),
			attribute.String("outcome", outcome),
		))
	}
}

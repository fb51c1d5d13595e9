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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// calls counts meta-tool calls by tool and outcome
	calls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_metatool_calls_total",
			Help: "Meta-tool calls by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	// callDuration tracks meta-tool latency, backend time included
	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolgate_metatool_call_duration_seconds",
			Help:    "Meta-tool call latency by tool",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// execRetries counts exec calls retried after a backend became unavailable
	execRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_metatool_exec_retries_total",
			Help: "Exec calls retried after the backend became unavailable, by server",
		},
		[]string{"server"},
	)
)

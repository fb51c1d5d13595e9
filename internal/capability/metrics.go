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

package capability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// decisions counts routing decisions by decision and capability
	decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_capability_decisions_total",
			Help: "Capability routing decisions by decision and capability",
		},
		[]string{"decision", "capability"},
	)

	// startFailures counts implementations skipped because they failed to start
	startFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_capability_start_failures_total",
			Help: "Implementations skipped during routing because they failed to start, by server",
		},
		[]string{"server"},
	)
)

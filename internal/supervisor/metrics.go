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

package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// starts counts backend processes launched
	starts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_supervisor_starts_total",
			Help: "Backend processes launched by server",
		},
		[]string{"server"},
	)

	// failures counts start failures and crashes
	failures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_supervisor_failures_total",
			Help: "Backend start failures and crashes by server",
		},
		[]string{"server"},
	)

	// circuitOpens counts transitions to circuit-open
	circuitOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_supervisor_circuit_opens_total",
			Help: "Times the circuit breaker opened by server",
		},
		[]string{"server"},
	)

	// circuitRejections counts starts refused while the circuit was open
	circuitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_supervisor_circuit_rejections_total",
			Help: "Start attempts rejected with CircuitOpen by server",
		},
		[]string{"server"},
	)

	// idleStops counts processes stopped by the idle sweep
	idleStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_supervisor_idle_stops_total",
			Help: "Backend processes stopped for inactivity by server",
		},
		[]string{"server"},
	)

	// autoEnables counts servers enabled by a call
	autoEnables = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_supervisor_auto_enables_total",
			Help: "Disabled servers enabled on demand by server",
		},
		[]string{"server"},
	)

	// transientFetches counts catalog fetches from disabled servers
	transientFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_supervisor_transient_fetches_total",
			Help: "Catalog fetches that started a disabled server transiently",
		},
		[]string{"server"},
	)

	// runningServers tracks live backend processes
	runningServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolgate_supervisor_running_servers",
			Help: "Number of live backend processes",
		},
	)
)

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_schema_cache_hits_total",
			Help: "Catalog reads served from cache",
		},
	)

	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_schema_cache_misses_total",
			Help: "Catalog reads that required a backend fetch",
		},
	)

	// fetchErrors counts failed catalog fetches by server
	fetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_schema_fetch_errors_total",
			Help: "Failed catalog fetches by server",
		},
		[]string{"server"},
	)

	// invalidations counts dropped catalogs by server
	invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_schema_invalidations_total",
			Help: "Cached catalogs dropped by server",
		},
		[]string{"server"},
	)

	// cachedTools tracks the cached tool count per server
	cachedTools = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolgate_schema_cached_tools",
			Help: "Tools in the cached catalog of each server",
		},
		[]string{"server"},
	)
)

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

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sessionsOpened counts sessions created
	sessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_session_opened_total",
			Help: "Client sessions opened",
		},
	)

	// openSessions tracks sessions currently open
	openSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolgate_session_open",
			Help: "Client sessions currently open",
		},
	)

	// requests counts client requests by method and outcome
	requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_session_requests_total",
			Help: "Client requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// requestDuration tracks time to answer client requests
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolgate_session_request_duration_seconds",
			Help:    "Time to answer client requests by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// rateLimited counts frames refused by the per-session limiter
	rateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_session_rate_limited_total",
			Help: "Client frames rejected by the session rate limiter",
		},
	)

	// backlogRejections counts requests refused because the handshake backlog was full
	backlogRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_session_backlog_rejections_total",
			Help: "Requests rejected because the handshake backlog was full",
		},
	)

	// backlogExpired counts held requests that outlived the handshake timeout
	backlogExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_session_backlog_expired_total",
			Help: "Held requests that expired before the client handshake completed",
		},
	)

	// idleCloses counts sessions closed for inactivity
	idleCloses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_session_idle_closes_total",
			Help: "Client sessions closed for inactivity",
		},
	)

	// broadcastDrops counts notifications not queued for a session
	broadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_session_broadcast_dropped_total",
			Help: "Notifications dropped because a session's notice queue was full",
		},
	)
)

// Copyright 2024 The pushgate Authors
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

// package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts every accepted transport connection,
	// including ones that fail the handshake.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgate_connections_total",
		Help: "The total number of transport connections accepted by the gateway.",
	})

	// SessionsActive tracks the number of registered live sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushgate_sessions_active",
		Help: "The number of currently registered sessions.",
	})

	// AuthFailuresTotal counts rejected handshakes.
	AuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgate_auth_failures_total",
		Help: "The total number of failed authentication handshakes.",
	})

	// MessagesDeliveredTotal counts messages handed to a live session.
	MessagesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgate_messages_delivered_total",
		Help: "The total number of messages delivered to live sessions.",
	})

	// MessagesQueuedTotal counts messages routed to the offline queue.
	MessagesQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgate_messages_queued_total",
		Help: "The total number of messages enqueued for offline users.",
	})

	// QueueOverflowTotal counts offline-queue drop-oldest evictions.
	QueueOverflowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgate_offline_queue_overflow_total",
		Help: "The total number of offline messages dropped because a user queue was full.",
	},
		[]string{"user_id"},
	)

	// HeartbeatEvictionsTotal counts sessions evicted by the heartbeat
	// sweep.
	HeartbeatEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgate_heartbeat_evictions_total",
		Help: "The total number of sessions evicted for missed heartbeats.",
	})

	// SupervisorRestartsTotal counts restarts of supervised actors.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgate_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf

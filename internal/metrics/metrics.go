// Package metrics provides Prometheus instrumentation for the chat relay:
// connection and room gauges, message throughput counters, and recovery
// outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts chat messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"}) // type = "received", "sent", "dropped", "rejected", "rate_limited", "muted"

	// MessageLatency records the time from frame receipt to fan-out.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_message_latency_seconds",
		Help:    "Message persist and fan-out latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveRooms tracks rooms with at least one attached session.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_rooms",
		Help: "Current number of rooms with attached sessions",
	})

	// JoinsTotal counts join attempts by result.
	JoinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_joins_total",
		Help: "Total number of room join attempts",
	}, []string{"result"}) // result = "created", "joined", "full", "error"

	// SessionsTotal counts connections by how their session started.
	SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_total",
		Help: "Total number of sessions started",
	}, []string{"kind"}) // kind = "fresh", "resumed"

	// RecoveryTotal counts reconciliation passes by outcome.
	RecoveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_recovery_total",
		Help: "Total number of recovery passes",
	}, []string{"outcome"}) // outcome = "ok", "no_room", "not_member", "error"

	// HTTPRequests counts API requests by route pattern and status.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_http_requests_total",
		Help: "Total number of HTTP API requests",
	}, []string{"route", "status"})

	// BackfillMessages counts messages replayed to recovering sessions.
	BackfillMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_backfill_messages_total",
		Help: "Total number of messages replayed during recovery",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		ActiveRooms,
		JoinsTotal,
		SessionsTotal,
		RecoveryTotal,
		BackfillMessages,
		HTTPRequests,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

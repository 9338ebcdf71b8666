// Package metrics provides Prometheus instrumentation for the pairing server:
// gauges for connections, waiting participants and active sessions, counters
// for matches, relay outcomes and safety rejections, and a histogram for
// match latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// PoolSize tracks the number of participants waiting for a partner.
	PoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_pool_size",
		Help: "Current number of participants in the waiting pool",
	})

	// ActiveSessions tracks the number of registered active sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_active_sessions",
		Help: "Current number of active sessions",
	})

	// MatchesTotal counts match attempts by outcome: "matched", "queued",
	// "retried".
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_matches_total",
		Help: "Match attempts by outcome",
	}, []string{"outcome"})

	// MatchLatency records how long a RequestMatch call held the pool.
	MatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairing_match_latency_seconds",
		Help:    "Time spent scoring and registering one match request",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})

	// RelayMessages counts relayed payloads by type and outcome:
	// "delivered", "dropped", "failed", "rate_limited", "rejected".
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_relay_messages_total",
		Help: "Relayed signaling and chat payloads",
	}, []string{"type", "outcome"})

	// EligibilityRejections counts Eligibility Gate vetoes by rule.
	EligibilityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_eligibility_rejections_total",
		Help: "Candidate pairings vetoed by the eligibility gate",
	}, []string{"rule"})

	// SessionsEnded counts ended sessions by reason.
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_sessions_ended_total",
		Help: "Ended sessions by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		PoolSize,
		ActiveSessions,
		MatchesTotal,
		MatchLatency,
		RelayMessages,
		EligibilityRejections,
		SessionsEnded,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

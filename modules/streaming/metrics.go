package streaming

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hindsight",
		Subsystem: "streaming",
		Name:      "clients",
		Help:      "Currently connected websocket clients.",
	})
	metricMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "streaming",
		Name:      "messages_sent_total",
		Help:      "Messages written to client sockets.",
	})
	metricMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "streaming",
		Name:      "messages_dropped_total",
		Help:      "Outbound messages dropped by backpressure.",
	}, []string{"reason"})
	metricRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "streaming",
		Name:      "rate_limited_total",
		Help:      "Inbound client messages rejected by the fixed-window rate limit.",
	})
	metricAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "streaming",
		Name:      "auth_failures_total",
		Help:      "Connections that failed authentication.",
	})
	metricStaleTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "streaming",
		Name:      "stale_terminated_total",
		Help:      "Clients terminated by the stale sweeper.",
	})
	metricHistoryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "streaming",
		Name:      "history_requests_total",
		Help:      "request_history and time_travel requests served.",
	}, []string{"kind"})
	metricBroadcastEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "streaming",
		Name:      "broadcast_events_total",
		Help:      "Live events fanned out to at least one client.",
	})
)

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "relay",
		Name:      "events_published_total",
		Help:      "Events appended to Redis streams.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "relay",
		Name:      "events_dropped_total",
		Help:      "Events that could not be published.",
	})
	metricPublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "relay",
		Name:      "publish_duration_seconds",
		Help:      "Time spent publishing one batch.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

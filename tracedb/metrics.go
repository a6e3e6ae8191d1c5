package tracedb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEventsStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "tracedb",
		Name:      "events_stored_total",
		Help:      "Total events durably written.",
	})
	metricBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "tracedb",
		Name:      "batch_duration_seconds",
		Help:      "Time to commit one event batch.",
		Buckets:   prometheus.DefBuckets,
	})
	metricRetentionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "tracedb",
		Name:      "retention_duration_seconds",
		Help:      "Time spent in one retention sweep.",
		Buckets:   prometheus.DefBuckets,
	})
	metricRetentionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "tracedb",
		Name:      "retention_errors_total",
		Help:      "Total retention sweep failures.",
	})
	metricRetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "tracedb",
		Name:      "retention_deleted_total",
		Help:      "Total records removed by retention sweeps.",
	}, []string{"kind"})
)

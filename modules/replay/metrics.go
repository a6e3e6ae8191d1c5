package replay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "replay",
		Name:      "cache_hits_total",
		Help:      "Reconstructions answered from the state cache.",
	})
	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "replay",
		Name:      "cache_misses_total",
		Help:      "Reconstructions that had to replay events.",
	})
	metricEventsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "replay",
		Name:      "events_applied_total",
		Help:      "Events folded into states during reconstruction.",
	})
	metricSnapshotFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "replay",
		Name:      "snapshot_fallbacks_total",
		Help:      "Reconstructions that fell back to a full replay because the nearest snapshot could not be restored.",
	})
	metricReconstructDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "replay",
		Name:      "reconstruct_duration_seconds",
		Help:      "Time to reconstruct a state, cache misses only.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	})
	metricCriticalPathDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "replay",
		Name:      "critical_path_duration_seconds",
		Help:      "Time to run a critical path analysis.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	})
)

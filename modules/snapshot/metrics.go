package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSnapshotsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "snapshot",
		Name:      "created_total",
		Help:      "Snapshots created, by type.",
	}, []string{"type"})
	metricSnapshotBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "snapshot",
		Name:      "stored_bytes",
		Help:      "Stored snapshot payload size after optional compression.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
	})
	metricRestoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "snapshot",
		Name:      "restore_duration_seconds",
		Help:      "Time to restore a state from a snapshot, chain resolution included.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	})
	metricChecksumFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "snapshot",
		Name:      "checksum_failures_total",
		Help:      "Restores and imports rejected on checksum mismatch.",
	})
	metricAutomaticFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "snapshot",
		Name:      "automatic_failures_total",
		Help:      "Automatic captures that failed.",
	})
	metricImported = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "snapshot",
		Name:      "imported_total",
		Help:      "Snapshots accepted by import.",
	})
	metricExported = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "snapshot",
		Name:      "exported_total",
		Help:      "Snapshots written to export bundles.",
	})
)

package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonDisabled     = "disabled"
	reasonInvalid      = "invalid"
	reasonSampled      = "sampled"
	reasonRateLimited  = "rate_limited"
	reasonFiltered     = "filtered"
	reasonBackpressure = "backpressure"
	reasonFlushFailed  = "flush_failed"
)

var (
	metricEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "collector",
		Name:      "events_total",
		Help:      "Total number of events submitted to the collector.",
	})
	metricDroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "collector",
		Name:      "dropped_events_total",
		Help:      "Events not admitted to the buffer, by reason.",
	}, []string{"reason"})
	metricFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "collector",
		Name:      "flush_duration_seconds",
		Help:      "Time taken to persist one batch.",
		Buckets:   prometheus.DefBuckets,
	})
	metricFlushRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "collector",
		Name:      "flush_retries_total",
		Help:      "Storage write attempts that had to be retried.",
	})
	metricFlushFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "collector",
		Name:      "flush_failed_total",
		Help:      "Batches that exhausted retries.",
	})
	metricBufferUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hindsight",
		Subsystem: "collector",
		Name:      "buffer_utilization",
		Help:      "Admission buffer fill fraction.",
	})
	metricSamplingRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hindsight",
		Subsystem: "collector",
		Name:      "sampling_rate",
		Help:      "Current adaptive sampling rate.",
	})
	metricSinkBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "collector",
		Name:      "sink_batches_total",
		Help:      "Durable batches handed to registered sinks.",
	})
)

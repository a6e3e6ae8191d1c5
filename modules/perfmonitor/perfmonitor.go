// Package perfmonitor samples process runtime health on an interval and
// feeds the readings back through the collector as PERFORMANCE_METRIC
// events under the synthetic "system" agent.
package perfmonitor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hindsightlabs/hindsight/pkg/model"
)

const systemAgentID = "system"

var metricSamples = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "hindsight",
	Subsystem: "perfmonitor",
	Name:      "samples_total",
	Help:      "Runtime samples emitted through the collector.",
})

// Ingester is the slice of the collector the monitor feeds.
type Ingester interface {
	Collect(ctx context.Context, e *model.Event) error
}

// Monitor periodically turns runtime statistics into trace events. A failed
// sample is logged and skipped; the monitor itself never stops over one.
type Monitor struct {
	services.Service

	cfg      Config
	logger   log.Logger
	ingester Ingester

	lastNumGC   uint32
	lastPauseNs uint64
}

func New(cfg Config, ingester Ingester, logger log.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid perfmonitor config: %w", err)
	}
	m := &Monitor{cfg: cfg, logger: logger, ingester: ingester}
	m.Service = services.NewBasicService(nil, m.running, nil)
	return m, nil
}

func (m *Monitor) running(ctx context.Context) error {
	if !m.cfg.Enabled {
		<-ctx.Done()
		return nil
	}

	level.Info(m.logger).Log("msg", "performance monitoring on", "interval", m.cfg.Interval, "session", m.cfg.SessionID)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.emit(ctx)
		}
	}
}

func (m *Monitor) emit(ctx context.Context) {
	e := m.sample(time.Now())
	if err := m.ingester.Collect(ctx, e); err != nil {
		// expected under backpressure; the next tick tries again
		level.Debug(m.logger).Log("msg", "runtime sample not admitted", "err", err)
		return
	}
	metricSamples.Inc()
}

// sample reads the runtime counters and derives per-interval GC pause time
// from the cumulative totals.
func (m *Monitor) sample(now time.Time) *model.Event {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var gcPauseMs float64
	if ms.NumGC > m.lastNumGC {
		gcPauseMs = float64(ms.PauseTotalNs-m.lastPauseNs) / 1e6
	}
	m.lastNumGC = ms.NumGC
	m.lastPauseNs = ms.PauseTotalNs

	return &model.Event{
		ID:        uuid.NewString(),
		Timestamp: now.UnixMilli(),
		SessionID: m.cfg.SessionID,
		AgentID:   systemAgentID,
		Type:      model.EventTypePerfMetric,
		Data: map[string]any{
			"performance": map[string]any{
				"goroutines":   runtime.NumGoroutine(),
				"heap_alloc":   ms.HeapAlloc,
				"heap_sys":     ms.HeapSys,
				"heap_objects": ms.HeapObjects,
				"num_gc":       ms.NumGC,
				"gc_pause_ms":  gcPauseMs,
			},
		},
		Metadata:    &model.Metadata{Source: "perfmonitor", Severity: model.SeverityLow},
		Performance: &model.PerformanceRecord{MemoryBytes: int64(ms.HeapAlloc)},
	}
}

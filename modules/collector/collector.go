// Package collector implements the admission pipeline every event
// traverses on its way to storage and the live fan-out.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	zaplogfmt "github.com/jsternberg/zap-logfmt"

	"github.com/hindsightlabs/hindsight/pkg/api"
	"github.com/hindsightlabs/hindsight/pkg/eventfilter"
	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/pkg/sampler"
)

var (
	// ErrRateLimited is returned when the per-(agent,type) budget rejects
	// an event.
	ErrRateLimited = errors.New("RATE_LIMITED")
	// ErrBackpressure is returned when the incoming event itself is the
	// one dropped by the backpressure gate.
	ErrBackpressure = errors.New("BACKPRESSURE")
	// ErrDisabled is returned while the admission switch is off.
	ErrDisabled = errors.New("collector disabled")
)

// Store is the slice of the storage surface the collector writes through.
type Store interface {
	StoreBatch(ctx context.Context, events []*model.Event) error
}

// Sink consumes durably stored batches. Each batch is delivered exactly
// once, after the storage write succeeded. Sinks must not mutate the batch
// and must return quickly. A sink error never fails the flush; it is
// logged and the batch stays stored.
type Sink interface {
	ConsumeBatch(ctx context.Context, batch []*model.Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, batch []*model.Event) error

func (f SinkFunc) ConsumeBatch(ctx context.Context, batch []*model.Event) error {
	return f(ctx, batch)
}

// SystemNotification carries out-of-band conditions (storage trouble,
// isolated panics) to whoever watches Notifications.
type SystemNotification struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

type openTrace struct {
	typ       model.EventType
	agentID   string
	sessionID string
	startTS   int64
}

// Collector is the single admission pipeline.
type Collector struct {
	services.Service

	cfg    Config
	logger log.Logger
	store  Store

	filter   *eventfilter.EventFilter
	sampler  *sampler.Sampler
	debugLog *zap.Logger

	limiterMtx sync.Mutex
	limiters   map[string]*rate.Limiter

	mtx       sync.Mutex
	buffer    []*model.Event
	lastFlush time.Time

	aggregates *aggregateMap

	openMtx sync.Mutex
	open    map[string]openTrace

	sinkMtx sync.RWMutex
	sinks   []Sink

	breaker       *gobreaker.CircuitBreaker
	notifications chan SystemNotification
	flushKick     chan struct{}

	total   atomic.Uint64
	dropped atomic.Uint64
	errs    atomic.Uint64

	procTotalMs atomic.Float64
	procSamples atomic.Uint64
	windowCount atomic.Uint64
	eps         atomic.Float64
	overhead    atomic.Float64
}

// New builds the collector. The service must be started before events are
// flushed; Collect itself works as soon as New returns.
func New(cfg Config, store Store, logger log.Logger) (*Collector, error) {
	filter, err := eventfilter.NewEventFilter(cfg.FilterPolicies)
	if err != nil {
		return nil, fmt.Errorf("building event filter: %w", err)
	}

	c := &Collector{
		cfg:           cfg,
		logger:        logger,
		store:         store,
		filter:        filter,
		sampler:       sampler.New(cfg.SamplingRate),
		limiters:      map[string]*rate.Limiter{},
		buffer:        make([]*model.Event, 0, cfg.BufferSize),
		lastFlush:     time.Now(),
		aggregates:    newAggregateMap(cfg.AggregateEvents),
		open:          map[string]openTrace{},
		notifications: make(chan SystemNotification, 16),
		flushKick:     make(chan struct{}, 1),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "store-writes",
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(logger).Log("msg", "circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	if cfg.LogReceivedEvents {
		c.debugLog = zap.New(zapcore.NewCore(
			zaplogfmt.NewEncoder(zap.NewDevelopmentEncoderConfig()),
			os.Stdout,
			zapcore.DebugLevel,
		))
	}

	metricSamplingRate.Set(c.sampler.Rate())
	c.Service = services.NewBasicService(nil, c.running, c.stopping)

	return c, nil
}

func (c *Collector) running(ctx context.Context) error {
	flushTicker := time.NewTicker(c.cfg.FlushInterval)
	defer flushTicker.Stop()
	adjustTicker := time.NewTicker(c.cfg.AdjustPeriod)
	defer adjustTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-flushTicker.C:
			if err := c.Flush(ctx); err != nil {
				level.Error(c.logger).Log("msg", "periodic flush failed", "err", err)
			}
		case <-c.flushKick:
			if err := c.Flush(ctx); err != nil {
				level.Error(c.logger).Log("msg", "size-triggered flush failed", "err", err)
			}
		case <-adjustTicker.C:
			c.adjustTick()
		}
	}
}

// stopping drains what is still buffered so shutdown loses nothing.
func (c *Collector) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Flush(ctx); err != nil {
		level.Error(c.logger).Log("msg", "final flush failed", "err", err)
		return err
	}
	return nil
}

// Notifications exposes out-of-band collector conditions. The channel is
// never closed; readers should also select on their own context.
func (c *Collector) Notifications() <-chan SystemNotification {
	return c.notifications
}

func (c *Collector) notify(event string, data map[string]interface{}) {
	select {
	case c.notifications <- SystemNotification{Event: event, Data: data}:
	default:
	}
}

// RegisterSink adds a consumer of durably stored batches.
func (c *Collector) RegisterSink(s Sink) {
	c.sinkMtx.Lock()
	defer c.sinkMtx.Unlock()
	c.sinks = append(c.sinks, s)
}

// AddFilter installs a user predicate evaluated after the configured
// policies.
func (c *Collector) AddFilter(pred eventfilter.Predicate) {
	c.filter.AddPredicate(pred)
}

// ClearFilters removes user predicates. Configured policies stay.
func (c *Collector) ClearFilters() {
	c.filter.ClearPredicates()
}

// Collect runs the admission pipeline on one event. A nil return means the
// event was either buffered or intentionally not selected (sampling,
// filters); errors describe drops the producer may care about.
func (c *Collector) Collect(ctx context.Context, e *model.Event) (err error) {
	start := time.Now()
	defer func() {
		elapsed := float64(time.Since(start).Nanoseconds()) / 1e6
		c.procTotalMs.Add(elapsed)
		c.procSamples.Inc()
		c.windowCount.Inc()
	}()

	defer func() {
		if r := recover(); r != nil {
			c.errs.Inc()
			level.Error(c.logger).Log("msg", "panic collecting event", "panic", r)
			c.notify("collection-error", map[string]interface{}{"panic": fmt.Sprint(r)})
			err = fmt.Errorf("panic collecting event: %v", r)
		}
	}()

	c.total.Inc()
	metricEventsTotal.Inc()

	if !c.cfg.Enabled {
		c.drop(reasonDisabled)
		return ErrDisabled
	}

	// 1. cheap validity
	if e == nil || e.SessionID == "" || e.AgentID == "" || e.Type == "" || !e.Type.IsValid() {
		c.drop(reasonInvalid)
		return fmt.Errorf("%w: event draft needs session, agent and type", model.ErrInvalidEvent)
	}

	// 2. sampling
	if !c.sampler.Sample(e) {
		c.drop(reasonSampled)
		return nil
	}

	// 3. per-(agent,type) budget
	if !c.limiter(e.AgentID, e.Type).Allow() {
		c.drop(reasonRateLimited)
		return fmt.Errorf("%w: agent %s type %s over budget", ErrRateLimited, e.AgentID, e.Type)
	}

	// 4. filters
	if !c.filter.ShouldAccept(e) {
		c.drop(reasonFiltered)
		return nil
	}

	// 5. defaults + sanitize
	preprocess(e)

	// 6+7. backpressure gate, then buffer + aggregate
	if err := c.buffered(e); err != nil {
		return err
	}
	c.aggregates.update(e)

	if c.debugLog != nil {
		c.debugLog.Debug("event admitted",
			zap.String("id", e.ID),
			zap.String("session", e.SessionID),
			zap.String("agent", e.AgentID),
			zap.String("type", string(e.Type)),
		)
	}
	return nil
}

func (c *Collector) drop(reason string) {
	c.dropped.Inc()
	metricDroppedEvents.WithLabelValues(reason).Inc()
}

func (c *Collector) limiter(agentID string, typ model.EventType) *rate.Limiter {
	key := agentID + "/" + string(typ)

	c.limiterMtx.Lock()
	defer c.limiterMtx.Unlock()

	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.RateLimitPerKey), c.cfg.RateLimitBurst)
		c.limiters[key] = l
	}
	return l
}

// buffered appends the event, evicting the lowest-severity buffered event
// when utilization is above the high-water mark. Critical events are never
// the eviction victim.
func (c *Collector) buffered(e *model.Event) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if float64(len(c.buffer))/float64(c.cfg.BufferSize) > 0.9 {
		victim := c.lowestSeverityIndex()
		switch {
		case victim >= 0 && c.buffer[victim].Severity().Rank() <= e.Severity().Rank():
			c.buffer = append(c.buffer[:victim], c.buffer[victim+1:]...)
			c.drop(reasonBackpressure)
		case e.IsCritical():
			// nothing below critical buffered; let the buffer run hot
		default:
			c.drop(reasonBackpressure)
			return fmt.Errorf("%w: buffer full", ErrBackpressure)
		}
	}

	c.buffer = append(c.buffer, e)
	metricBufferUtilization.Set(float64(len(c.buffer)) / float64(c.cfg.BufferSize))

	if len(c.buffer) >= c.cfg.BatchSize {
		select {
		case c.flushKick <- struct{}{}:
		default:
		}
	}
	return nil
}

// lowestSeverityIndex returns the oldest buffered event with the lowest
// severity, or -1 when the buffer holds only critical events.
func (c *Collector) lowestSeverityIndex() int {
	idx, best := -1, model.SeverityCritical.Rank()
	for i, e := range c.buffer {
		if r := e.Severity().Rank(); r < best {
			best, idx = r, i
		}
	}
	return idx
}

// cutBatch removes up to BatchSize events from the head of the buffer.
func (c *Collector) cutBatch() []*model.Event {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	n := len(c.buffer)
	if n == 0 {
		return nil
	}
	if n > c.cfg.BatchSize {
		n = c.cfg.BatchSize
	}

	batch := c.buffer[:n:n]
	c.buffer = append(make([]*model.Event, 0, c.cfg.BufferSize), c.buffer[n:]...)
	metricBufferUtilization.Set(float64(len(c.buffer)) / float64(c.cfg.BufferSize))
	c.lastFlush = time.Now()
	return batch
}

// Flush drains the pending buffer to storage and hands each durable batch
// to the sinks.
func (c *Collector) Flush(ctx context.Context) error {
	for {
		batch := c.cutBatch()
		if len(batch) == 0 {
			return nil
		}
		if err := c.flushBatch(ctx, batch); err != nil {
			return err
		}
	}
}

func (c *Collector) flushBatch(ctx context.Context, batch []*model.Event) error {
	timer := prometheus.NewTimer(metricFlushDuration)
	defer timer.ObserveDuration()

	var lastErr error
	bo := backoff.New(ctx, c.cfg.Retry)
	for bo.Ongoing() {
		_, lastErr = c.breaker.Execute(func() (interface{}, error) {
			return nil, c.store.StoreBatch(ctx, batch)
		})
		if lastErr == nil {
			if err := c.deliver(ctx, batch); err != nil {
				level.Warn(c.logger).Log("msg", "sink delivery failed", "events", len(batch), "err", err)
			}
			return nil
		}
		metricFlushRetries.Inc()
		bo.Wait()
	}

	c.errs.Inc()
	metricFlushFailed.Inc()
	level.Error(c.logger).Log("msg", "batch flush failed", "events", len(batch), "err", lastErr)
	c.notify("collection-error", map[string]interface{}{
		"error":  lastErr.Error(),
		"events": len(batch),
	})

	// bounded re-queue: only if the buffer has headroom for the batch
	c.mtx.Lock()
	if len(c.buffer)+len(batch) <= c.cfg.BufferSize {
		c.buffer = append(batch, c.buffer...)
	} else {
		for range batch {
			c.drop(reasonFlushFailed)
		}
	}
	c.mtx.Unlock()

	return fmt.Errorf("flushing batch: %w", lastErr)
}

func (c *Collector) deliver(ctx context.Context, batch []*model.Event) error {
	c.sinkMtx.RLock()
	defer c.sinkMtx.RUnlock()

	if len(c.sinks) == 0 {
		return nil
	}
	metricSinkBatches.Inc()

	var errs []error
	for _, s := range c.sinks {
		if err := s.ConsumeBatch(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

// StartTrace opens a trace handle and emits its start event.
func (c *Collector) StartTrace(ctx context.Context, id string, typ model.EventType, agentID, sessionID string, data map[string]interface{}) error {
	now := time.Now().UnixMilli()

	c.openMtx.Lock()
	c.open[id] = openTrace{typ: typ, agentID: agentID, sessionID: sessionID, startTS: now}
	c.openMtx.Unlock()

	return c.Collect(ctx, &model.Event{
		Timestamp:     now,
		SessionID:     sessionID,
		AgentID:       agentID,
		CorrelationID: id,
		Type:          typ,
		Phase:         model.PhaseStart,
		Data:          data,
	})
}

// CompleteTrace closes an open trace, emitting the completion with the
// measured duration.
func (c *Collector) CompleteTrace(ctx context.Context, id string, result interface{}) error {
	ot, err := c.takeOpen(id)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	return c.Collect(ctx, &model.Event{
		Timestamp:     now,
		SessionID:     ot.sessionID,
		AgentID:       ot.agentID,
		CorrelationID: id,
		Type:          completionType(ot.typ),
		Phase:         model.PhaseComplete,
		Data: map[string]interface{}{
			"task": map[string]interface{}{"taskId": id, "result": result},
		},
		Performance: &model.PerformanceRecord{DurationMs: float64(now - ot.startTS)},
	})
}

// ErrorTrace closes an open trace with an error outcome.
func (c *Collector) ErrorTrace(ctx context.Context, id string, traceErr error) error {
	ot, err := c.takeOpen(id)
	if err != nil {
		return err
	}

	msg := "unknown error"
	if traceErr != nil {
		msg = traceErr.Error()
	}

	now := time.Now().UnixMilli()
	return c.Collect(ctx, &model.Event{
		Timestamp:     now,
		SessionID:     ot.sessionID,
		AgentID:       ot.agentID,
		CorrelationID: id,
		Type:          failureType(ot.typ),
		Phase:         model.PhaseError,
		Data: map[string]interface{}{
			"task":  map[string]interface{}{"taskId": id},
			"error": map[string]interface{}{"message": msg},
		},
		Metadata:    &model.Metadata{Severity: model.SeverityHigh},
		Performance: &model.PerformanceRecord{DurationMs: float64(now - ot.startTS)},
	})
}

func (c *Collector) takeOpen(id string) (openTrace, error) {
	c.openMtx.Lock()
	defer c.openMtx.Unlock()

	ot, ok := c.open[id]
	if !ok {
		return openTrace{}, fmt.Errorf("no open trace %q", id)
	}
	delete(c.open, id)
	return ot, nil
}

func completionType(t model.EventType) model.EventType {
	if t == model.EventTypeTaskStart {
		return model.EventTypeTaskComplete
	}
	return t
}

func failureType(t model.EventType) model.EventType {
	if t == model.EventTypeTaskStart {
		return model.EventTypeTaskFail
	}
	return t
}

// AgentAggregate returns the live aggregate for one agent.
func (c *Collector) AgentAggregate(sessionID, agentID string) (AgentAggregate, bool) {
	return c.aggregates.Aggregate(sessionID, agentID)
}

// SessionAggregates returns the live aggregates of a session.
func (c *Collector) SessionAggregates(sessionID string) []AgentAggregate {
	return c.aggregates.SessionAggregates(sessionID)
}

// Metrics reports the collector's self-measurements.
func (c *Collector) Metrics() api.CollectorStats {
	var avg float64
	if samples := c.procSamples.Load(); samples > 0 {
		avg = c.procTotalMs.Load() / float64(samples)
	}

	c.mtx.Lock()
	util := float64(len(c.buffer)) / float64(c.cfg.BufferSize)
	c.mtx.Unlock()

	return api.CollectorStats{
		TotalEvents:        c.total.Load(),
		DroppedEvents:      c.dropped.Load(),
		ErrorCount:         c.errs.Load(),
		AvgProcessingMs:    avg,
		EventsPerSecond:    c.eps.Load(),
		BufferUtilization:  util,
		SamplingRate:       c.sampler.Rate(),
		CollectionOverhead: c.overhead.Load(),
	}
}

// adjustTick recomputes throughput and feeds the adaptive sampler.
func (c *Collector) adjustTick() {
	count := c.windowCount.Swap(0)
	eps := float64(count) / c.cfg.AdjustPeriod.Seconds()
	c.eps.Store(eps)

	var avg float64
	if samples := c.procSamples.Load(); samples > 0 {
		avg = c.procTotalMs.Load() / float64(samples)
	}
	c.adjustSampling(avg, eps)
}

func (c *Collector) adjustSampling(avgProcessingMs, eps float64) float64 {
	overhead := sampler.Overhead(avgProcessingMs, eps)
	c.overhead.Store(overhead)

	newRate := c.sampler.Adjust(overhead)
	metricSamplingRate.Set(newRate)
	return newRate
}

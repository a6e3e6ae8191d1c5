package collector

import (
	"context"
	"errors"
	"flag"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/pkg/state"
	"github.com/hindsightlabs/hindsight/pkg/util/test"
	"github.com/hindsightlabs/hindsight/tracedb"
)

func testDB(t *testing.T) *tracedb.DB {
	cfg := &tracedb.Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	cfg.Path = filepath.Join(t.TempDir(), "traces.db")

	db, err := tracedb.New(cfg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCollector(t *testing.T, db *tracedb.DB, mutate func(*Config)) *Collector {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("collector", flag.NewFlagSet("", flag.PanicOnError))
	cfg.Retry = backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxRetries: 1}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	c, err := New(cfg, db, log.NewNopLogger())
	require.NoError(t, err)
	return c
}

func newSession(t *testing.T, db *tracedb.DB, name string) string {
	id, err := db.CreateSession(context.Background(), name, nil)
	require.NoError(t, err)
	return id
}

func TestSingleSessionRoundTrip(t *testing.T) {
	db := testDB(t)
	c := testCollector(t, db, nil)
	ctx := context.Background()

	session := newSession(t, db, "A")
	require.Equal(t, "1", session)

	drafts := []*model.Event{
		{SessionID: session, AgentID: "a1", Timestamp: 1000, Type: model.EventTypeAgentSpawn},
		{SessionID: session, AgentID: "a1", Timestamp: 1010, Type: model.EventTypeTaskStart, Data: map[string]interface{}{"task_id": "t1"}},
		{SessionID: session, AgentID: "a1", Timestamp: 1050, Type: model.EventTypeTaskComplete, Data: map[string]interface{}{"task_id": "t1"}},
	}
	for _, e := range drafts {
		require.NoError(t, c.Collect(ctx, e))
	}
	require.NoError(t, c.Flush(ctx))

	events, err := db.GetTracesBySession(ctx, session, tracedb.SearchParams{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, int64(1000), events[0].Timestamp)
	require.Equal(t, int64(1010), events[1].Timestamp)
	require.Equal(t, int64(1050), events[2].Timestamp)

	agg, ok := c.AgentAggregate(session, "a1")
	require.True(t, ok)
	require.Equal(t, state.AgentIdle, agg.Status)
	require.Equal(t, 1, agg.TaskCount)
	require.Empty(t, agg.CurrentTask)
}

func TestSanitizeOnCollect(t *testing.T) {
	db := testDB(t)
	c := testCollector(t, db, nil)
	ctx := context.Background()

	session := newSession(t, db, "B")
	e := &model.Event{
		SessionID: session,
		AgentID:   "a1",
		Timestamp: 2000,
		Type:      model.EventTypeTaskStart,
		Data: map[string]interface{}{
			"password": "hunter2",
			"payload":  strings.Repeat("x", 2000),
		},
	}
	require.NoError(t, c.Collect(ctx, e))
	require.NoError(t, c.Flush(ctx))

	stored, err := db.GetTrace(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, "[REDACTED]", stored.Data["password"])

	payload := stored.Data["payload"].(string)
	require.Len(t, payload, 1015)
	require.True(t, strings.HasSuffix(payload, " ... [TRUNCATED]"))
}

func TestBackpressureDropsLowSeverity(t *testing.T) {
	db := testDB(t)
	c := testCollector(t, db, func(cfg *Config) {
		cfg.BufferSize = 10
		cfg.BatchSize = 10
	})
	ctx := context.Background()
	session := newSession(t, db, "D")

	var first *model.Event
	for i := 0; i < 9; i++ {
		e := test.MakeEvent(session, "a1", int64(1000+i), model.EventTypeStateChange)
		if i == 0 {
			first = e
		}
		require.NoError(t, c.Collect(ctx, e))
	}

	critical := test.MakeEvent(session, "a1", 2000, model.EventTypeStateChange)
	critical.Metadata.Severity = model.SeverityCritical
	require.NoError(t, c.Collect(ctx, critical))

	medium := test.MakeEvent(session, "a1", 2001, model.EventTypeStateChange)
	medium.Metadata.Severity = model.SeverityMedium
	require.NoError(t, c.Collect(ctx, medium))

	require.NoError(t, c.Flush(ctx))

	events, err := db.GetTracesBySession(ctx, session, tracedb.SearchParams{})
	require.NoError(t, err)
	require.Len(t, events, 10)

	ids := map[string]bool{}
	for _, e := range events {
		ids[e.ID] = true
	}
	require.False(t, ids[first.ID], "oldest low-severity event must be the one evicted")
	require.True(t, ids[critical.ID])
	require.True(t, ids[medium.ID])
	require.Equal(t, uint64(1), c.Metrics().DroppedEvents)
}

func TestAdaptiveSamplingBacksOff(t *testing.T) {
	db := testDB(t)
	c := testCollector(t, db, nil)

	// overhead 0.10 shrinks the rate by 0.8 per window
	require.InDelta(t, 0.8, c.adjustSampling(0.01, 10000), 1e-9)
	require.InDelta(t, 0.64, c.adjustSampling(0.01, 10000), 1e-9)
	require.InDelta(t, 0.512, c.adjustSampling(0.01, 10000), 1e-9)
	require.InDelta(t, 0.512, c.Metrics().SamplingRate, 1e-9)
	require.InDelta(t, 0.1, c.Metrics().CollectionOverhead, 1e-9)
}

func TestCollectValidation(t *testing.T) {
	db := testDB(t)
	c := testCollector(t, db, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		event *model.Event
	}{
		{"missing session", &model.Event{AgentID: "a1", Type: model.EventTypeTaskStart}},
		{"missing agent", &model.Event{SessionID: "1", Type: model.EventTypeTaskStart}},
		{"missing type", &model.Event{SessionID: "1", AgentID: "a1"}},
		{"unknown type", &model.Event{SessionID: "1", AgentID: "a1", Type: "NOT_A_TYPE"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Collect(ctx, tc.event)
			require.ErrorIs(t, err, model.ErrInvalidEvent)
		})
	}
	require.Equal(t, uint64(len(cases)), c.Metrics().DroppedEvents)
	require.Zero(t, c.Metrics().BufferUtilization)
}

func TestPerKeyRateLimit(t *testing.T) {
	db := testDB(t)
	c := testCollector(t, db, func(cfg *Config) {
		cfg.RateLimitPerKey = 1
		cfg.RateLimitBurst = 2
	})
	ctx := context.Background()
	session := newSession(t, db, "ratelimit")

	require.NoError(t, c.Collect(ctx, test.MakeEvent(session, "a1", 1, model.EventTypeTaskStart)))
	require.NoError(t, c.Collect(ctx, test.MakeEvent(session, "a1", 2, model.EventTypeTaskStart)))
	require.ErrorIs(t, c.Collect(ctx, test.MakeEvent(session, "a1", 3, model.EventTypeTaskStart)), ErrRateLimited)

	// other keys have their own budget
	require.NoError(t, c.Collect(ctx, test.MakeEvent(session, "a2", 4, model.EventTypeTaskStart)))
	require.NoError(t, c.Collect(ctx, test.MakeEvent(session, "a1", 5, model.EventTypeTaskComplete)))
}

func TestStartCompleteTrace(t *testing.T) {
	db := testDB(t)
	c := testCollector(t, db, nil)
	ctx := context.Background()
	session := newSession(t, db, "traces")

	require.NoError(t, c.StartTrace(ctx, "t1", model.EventTypeTaskStart, "a1", session, map[string]interface{}{"input": "q"}))
	require.NoError(t, c.CompleteTrace(ctx, "t1", "ok"))
	require.NoError(t, c.Flush(ctx))

	events, err := db.GetTracesBySession(ctx, session, tracedb.SearchParams{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	start, complete := events[0], events[1]
	require.Equal(t, model.EventTypeTaskStart, start.Type)
	require.Equal(t, model.PhaseStart, start.Phase)
	require.Equal(t, "t1", start.CorrelationID)

	require.Equal(t, model.EventTypeTaskComplete, complete.Type)
	require.Equal(t, model.PhaseComplete, complete.Phase)
	require.Equal(t, "t1", complete.CorrelationID)
	require.NotNil(t, complete.Performance)
	require.GreaterOrEqual(t, complete.Performance.DurationMs, float64(0))

	// completing twice fails
	require.Error(t, c.CompleteTrace(ctx, "t1", "again"))
}

func TestErrorTrace(t *testing.T) {
	db := testDB(t)
	c := testCollector(t, db, nil)
	ctx := context.Background()
	session := newSession(t, db, "errors")

	require.NoError(t, c.StartTrace(ctx, "t9", model.EventTypeTaskStart, "a1", session, nil))
	require.NoError(t, c.ErrorTrace(ctx, "t9", errors.New("boom")))
	require.NoError(t, c.Flush(ctx))

	events, err := db.GetTracesBySession(ctx, session, tracedb.SearchParams{Types: []model.EventType{model.EventTypeTaskFail}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.PhaseError, events[0].Phase)
	require.Equal(t, model.SeverityHigh, events[0].Severity())

	errData := events[0].Data["error"].(map[string]interface{})
	require.Equal(t, "boom", errData["message"])
}

func TestSinksReceiveDurableBatches(t *testing.T) {
	db := testDB(t)
	c := testCollector(t, db, nil)
	ctx := context.Background()
	session := newSession(t, db, "sinks")

	var (
		mtx     sync.Mutex
		batches [][]*model.Event
	)
	c.RegisterSink(SinkFunc(func(_ context.Context, batch []*model.Event) error {
		mtx.Lock()
		defer mtx.Unlock()
		batches = append(batches, batch)
		return nil
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Collect(ctx, test.MakeEvent(session, "a1", int64(100+i), model.EventTypeTaskStart)))
	}
	require.NoError(t, c.Flush(ctx))
	require.NoError(t, c.Flush(ctx))

	mtx.Lock()
	defer mtx.Unlock()
	require.Len(t, batches, 1, "each durable batch is delivered exactly once")
	require.Len(t, batches[0], 3)
}

// flakyStore fails StoreBatch until unbroken.
type flakyStore struct {
	mtx    sync.Mutex
	broken bool
	stored [][]*model.Event
}

func (f *flakyStore) StoreBatch(_ context.Context, events []*model.Event) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.broken {
		return tracedb.ErrStorage
	}
	f.stored = append(f.stored, events)
	return nil
}

func TestFlushRequeuesOnStorageError(t *testing.T) {
	store := &flakyStore{broken: true}

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("collector", flag.NewFlagSet("", flag.PanicOnError))
	cfg.Retry = backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxRetries: 1}

	c, err := New(cfg, store, log.NewNopLogger())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, c.Collect(ctx, test.MakeEvent("1", "a1", int64(10+i), model.EventTypeTaskStart)))
	}

	require.ErrorIs(t, c.Flush(ctx), tracedb.ErrStorage)
	require.Equal(t, uint64(1), c.Metrics().ErrorCount)

	// events were re-queued, not lost
	require.Zero(t, c.Metrics().DroppedEvents)
	require.InDelta(t, 2.0/float64(cfg.BufferSize), c.Metrics().BufferUtilization, 1e-9)

	select {
	case n := <-c.Notifications():
		require.Equal(t, "collection-error", n.Event)
	default:
		t.Fatal("expected a collection-error notification")
	}

	store.mtx.Lock()
	store.broken = false
	store.mtx.Unlock()

	require.NoError(t, c.Flush(ctx))
	require.Len(t, store.stored, 1)
	require.Len(t, store.stored[0], 2)
}

func TestDisabledCollectorDropsEverything(t *testing.T) {
	db := testDB(t)
	c := testCollector(t, db, func(cfg *Config) { cfg.Enabled = false })

	err := c.Collect(context.Background(), test.MakeEvent("1", "a1", 1, model.EventTypeTaskStart))
	require.ErrorIs(t, err, ErrDisabled)
	require.Equal(t, uint64(1), c.Metrics().DroppedEvents)
}

func TestServiceFlushesOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	db := testDB(t)
	c := testCollector(t, db, func(cfg *Config) {
		cfg.FlushInterval = time.Hour // only the shutdown flush may run
	})
	ctx := context.Background()
	session := newSession(t, db, "shutdown")

	require.NoError(t, services.StartAndAwaitRunning(ctx, c))
	require.NoError(t, c.Collect(ctx, test.MakeEvent(session, "a1", 42, model.EventTypeTaskStart)))
	require.NoError(t, services.StopAndAwaitTerminated(ctx, c))

	events, err := db.GetTracesBySession(ctx, session, tracedb.SearchParams{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Zero(t, c.Metrics().BufferUtilization)
}

func BenchmarkCollect(b *testing.B) {
	cfg := &tracedb.Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	cfg.Path = filepath.Join(b.TempDir(), "traces.db")

	db, err := tracedb.New(cfg, log.NewNopLogger())
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close()

	ccfg := Config{}
	ccfg.RegisterFlagsAndApplyDefaults("collector", flag.NewFlagSet("", flag.PanicOnError))
	ccfg.BufferSize = 2 * (b.N + 1) // admission only, below the eviction watermark

	c, err := New(ccfg, db, log.NewNopLogger())
	if err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()
	session, err := db.CreateSession(ctx, "bench", nil)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e := test.MakeEvent(session, "a1", int64(1000+i), model.EventTypeStateChange)
		if err := c.Collect(ctx, e); err != nil {
			b.Fatal(err)
		}
	}
}

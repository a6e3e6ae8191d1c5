// Package replay reconstructs the state of a session at arbitrary
// timestamps by replaying stored events over the nearest snapshot, and runs
// the scans built on top of reconstruction: diffs, condition-origin search
// and critical-path analysis.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/pkg/state"
	"github.com/hindsightlabs/hindsight/tracedb"
)

// Store is the slice of the storage surface reconstruction reads.
type Store interface {
	GetTracesBySession(ctx context.Context, sessionID string, p tracedb.SearchParams) ([]*model.Event, error)
}

// SnapshotSource resolves persisted snapshots into states. Wired by the app
// once the snapshot manager exists; reconstruction works without one, it
// just replays from the beginning of the session.
type SnapshotSource interface {
	FindNearest(ctx context.Context, sessionID string, ts int64) (*model.Snapshot, error)
	Reconstruct(ctx context.Context, id string) (*state.State, error)
}

// Replayer answers historical state queries. Reconstruction is
// deterministic: the store returns events in (timestamp, id) order and
// application is total, so two calls for the same (session, t) yield equal
// states.
type Replayer struct {
	services.Service

	cfg    Config
	logger log.Logger
	store  Store

	snapshots SnapshotSource

	cache *lru.Cache[string, *state.State]
}

// New builds the replayer. The returned service is idle; everything happens
// on the caller's goroutine.
func New(cfg Config, store Store, logger log.Logger) (*Replayer, error) {
	cache, err := lru.New[string, *state.State](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("building state cache: %w", err)
	}

	r := &Replayer{
		cfg:    cfg,
		logger: logger,
		store:  store,
		cache:  cache,
	}
	r.Service = services.NewIdleService(nil, nil)

	return r, nil
}

// SetSnapshotSource wires the snapshot manager in. Must be called before
// queries are served.
func (r *Replayer) SetSnapshotSource(src SnapshotSource) {
	r.snapshots = src
}

// Reconstruct returns the session state at ts: the nearest snapshot at or
// before ts (empty state when none) plus every stored event in
// (snapshot.ts, ts] applied in order. Results are cached per (session, ts);
// callers receive their own copy.
func (r *Replayer) Reconstruct(ctx context.Context, sessionID string, ts int64) (*state.State, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("please provide a session")
	}

	key := cacheKey(sessionID, ts)
	if st, ok := r.cache.Get(key); ok {
		metricCacheHits.Inc()
		return st.Clone(), nil
	}
	metricCacheMisses.Inc()

	start := time.Now()
	st, err := r.reconstruct(ctx, sessionID, ts)
	if err != nil {
		return nil, err
	}
	metricReconstructDuration.Observe(time.Since(start).Seconds())

	r.cache.Add(key, st)
	return st.Clone(), nil
}

func (r *Replayer) reconstruct(ctx context.Context, sessionID string, ts int64) (*state.State, error) {
	base, sinceTS, err := r.baseState(ctx, sessionID, ts)
	if err != nil {
		return nil, err
	}

	params := tracedb.SearchParams{TimeRange: &model.TimeRange{End: ts}}
	if sinceTS > 0 {
		params.TimeRange.Start = sinceTS + 1
	}
	events, err := r.store.GetTracesBySession(ctx, sessionID, params)
	if err != nil {
		return nil, err
	}

	for _, e := range events {
		base.Apply(e)
	}
	metricEventsApplied.Add(float64(len(events)))

	base.Timestamp = ts
	return base, nil
}

// baseState returns the starting point of a replay: the state restored from
// the nearest snapshot when one exists, otherwise an empty state replayed
// from the beginning of the session. A snapshot that fails to restore is
// skipped rather than making the whole range unreadable.
func (r *Replayer) baseState(ctx context.Context, sessionID string, ts int64) (*state.State, int64, error) {
	if r.snapshots == nil {
		return state.New(), 0, nil
	}

	snap, err := r.snapshots.FindNearest(ctx, sessionID, ts)
	if errors.Is(err, tracedb.ErrNotFound) {
		return state.New(), 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	st, err := r.snapshots.Reconstruct(ctx, snap.ID)
	if err != nil {
		metricSnapshotFallbacks.Inc()
		level.Warn(r.logger).Log("msg", "snapshot restore failed, replaying from session start", "snapshot", snap.ID, "err", err)
		return state.New(), 0, nil
	}
	return st, snap.Timestamp, nil
}

// Diff reports what changed between two timestamps of a session.
func (r *Replayer) Diff(ctx context.Context, sessionID string, from, to int64) (*state.Delta, error) {
	if to < from {
		return nil, fmt.Errorf("to (%d) must not be before from (%d)", to, from)
	}

	a, err := r.Reconstruct(ctx, sessionID, from)
	if err != nil {
		return nil, err
	}
	b, err := r.Reconstruct(ctx, sessionID, to)
	if err != nil {
		return nil, err
	}
	return state.ComputeDelta(a, b), nil
}

// Replay walks the events of (tr.Start, tr.End] in order, calling fn with
// the state after each event. The state passed to fn is reused between
// calls; clone it when retaining. A non-nil error from fn aborts the walk.
func (r *Replayer) Replay(ctx context.Context, sessionID string, tr model.TimeRange, fn func(*state.State, *model.Event) error) error {
	st, err := r.Reconstruct(ctx, sessionID, tr.Start)
	if err != nil {
		return err
	}

	events, err := r.store.GetTracesBySession(ctx, sessionID, tracedb.SearchParams{
		TimeRange: &model.TimeRange{Start: tr.Start + 1, End: tr.End},
	})
	if err != nil {
		return err
	}

	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.Apply(e)
		if err := fn(st, e); err != nil {
			return err
		}
	}
	return nil
}

// FindConditionOrigin scans forward through a session's events up to tMax
// and returns the first event whose application flips pred from false to
// true, along with its timestamp. A nil event means the condition never
// became true inside the window.
func (r *Replayer) FindConditionOrigin(ctx context.Context, sessionID string, pred func(*state.State) bool, tMax int64) (*model.Event, int64, error) {
	if pred == nil {
		return nil, 0, fmt.Errorf("please provide a predicate")
	}

	events, err := r.store.GetTracesBySession(ctx, sessionID, tracedb.SearchParams{
		TimeRange: &model.TimeRange{End: tMax},
	})
	if err != nil {
		return nil, 0, err
	}

	st := state.New()
	holds := pred(st)
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		st.Apply(e)
		now := pred(st)
		if !holds && now {
			return e, e.Timestamp, nil
		}
		holds = now
	}
	return nil, 0, nil
}

// InvalidateSession drops every cached state of a session.
func (r *Replayer) InvalidateSession(sessionID string) {
	prefix := sessionID + "/"
	for _, key := range r.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Remove(key)
		}
	}
}

// ConsumeBatch makes the replayer a collector sink: each durably stored
// batch invalidates the cached states of the sessions it touches, so
// reconstructions never serve stale data.
func (r *Replayer) ConsumeBatch(_ context.Context, batch []*model.Event) error {
	seen := map[string]struct{}{}
	for _, e := range batch {
		if _, ok := seen[e.SessionID]; ok {
			continue
		}
		seen[e.SessionID] = struct{}{}
		r.InvalidateSession(e.SessionID)
	}
	return nil
}

func cacheKey(sessionID string, ts int64) string {
	return sessionID + "/" + strconv.FormatInt(ts, 10)
}

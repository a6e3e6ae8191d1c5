package tracedb

import (
	"context"
	"flag"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hindsightlabs/hindsight/pkg/model"
)

func testConfig(t *testing.T) *Config {
	cfg := &Config{}
	cfg.RegisterFlagsAndApplyDefaults("test", flag.NewFlagSet("", flag.PanicOnError))
	cfg.Path = filepath.Join(t.TempDir(), "traces.db")
	return cfg
}

func testDB(t *testing.T) *DB {
	db, err := New(testConfig(t), log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func storedEvent(id, sessionID, agentID string, ts int64, typ model.EventType) *model.Event {
	return &model.Event{
		ID:        id,
		Timestamp: ts,
		SessionID: sessionID,
		AgentID:   agentID,
		Type:      typ,
	}
}

func TestCreateSessionMonotonicIDs(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first, err := db.CreateSession(ctx, "one", nil)
	require.NoError(t, err)
	second, err := db.CreateSession(ctx, "two", map[string]any{"env": "test"})
	require.NoError(t, err)

	require.Equal(t, "1", first)
	require.Equal(t, "2", second)

	s, err := db.GetSession(ctx, second)
	require.NoError(t, err)
	require.Equal(t, "two", s.Name)
	require.Equal(t, model.SessionActive, s.Status)
	require.NotZero(t, s.StartTime)
	require.Nil(t, s.EndTime)
	require.Equal(t, map[string]any{"env": "test"}, s.Metadata)

	_, err = db.GetSession(ctx, "999")
	require.ErrorIs(t, err, ErrNotFound)

	sessions, err := db.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "1", sessions[0].ID)
	require.Equal(t, "2", sessions[1].ID)
}

func TestCloseSession(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, err := db.CreateSession(ctx, "s", nil)
	require.NoError(t, err)

	require.NoError(t, db.CloseSession(ctx, id, model.SessionCompleted))

	s, err := db.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.SessionCompleted, s.Status)
	require.NotNil(t, s.EndTime)

	require.ErrorIs(t, db.CloseSession(ctx, "999", model.SessionError), ErrNotFound)
	require.ErrorIs(t, db.CloseSession(ctx, id, model.SessionActive), ErrStorage)
}

func TestStoreBatchOrderingAndCounters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	sessionID, err := db.CreateSession(ctx, "s", nil)
	require.NoError(t, err)

	// arrival order scrambled on purpose
	batch := []*model.Event{
		storedEvent("e-c", sessionID, "agent-1", 1050, model.EventTypeTaskComplete),
		storedEvent("e-a", sessionID, "agent-1", 1000, model.EventTypeTaskStart),
		storedEvent("e-b", sessionID, "agent-2", 1010, model.EventTypeMessageSend),
	}
	require.NoError(t, db.StoreBatch(ctx, batch))

	got, err := db.GetTracesBySession(ctx, sessionID, SearchParams{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []int64{1000, 1010, 1050}, []int64{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})

	s, err := db.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.EqualValues(t, 3, s.EventCount)
	require.Equal(t, 2, s.AgentCount)
}

func TestStoreBatchTimestampTiesBreakByID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	sessionID, err := db.CreateSession(ctx, "s", nil)
	require.NoError(t, err)

	require.NoError(t, db.StoreBatch(ctx, []*model.Event{
		storedEvent("e-2", sessionID, "agent-1", 1000, model.EventTypeTaskStart),
		storedEvent("e-1", sessionID, "agent-1", 1000, model.EventTypeTaskStart),
	}))

	got, err := db.GetTracesBySession(ctx, sessionID, SearchParams{})
	require.NoError(t, err)
	require.Equal(t, "e-1", got[0].ID)
	require.Equal(t, "e-2", got[1].ID)
}

func TestStoreBatchAllOrNothing(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	sessionID, err := db.CreateSession(ctx, "s", nil)
	require.NoError(t, err)

	require.NoError(t, db.StoreBatch(ctx, []*model.Event{
		storedEvent("e-1", sessionID, "agent-1", 1000, model.EventTypeTaskStart),
	}))

	// second batch collides with a stored id; nothing from it may land
	err = db.StoreBatch(ctx, []*model.Event{
		storedEvent("e-2", sessionID, "agent-1", 1001, model.EventTypeTaskStart),
		storedEvent("e-1", sessionID, "agent-1", 1002, model.EventTypeTaskStart),
	})
	require.ErrorIs(t, err, ErrStorage)

	got, err := db.GetTracesBySession(ctx, sessionID, SearchParams{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	s, err := db.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.EventCount)
}

func TestGetTraceRoundTripsCanonicalBytes(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	sessionID, err := db.CreateSession(ctx, "s", nil)
	require.NoError(t, err)

	e := storedEvent(uuid.NewString(), sessionID, "agent-1", 1234, model.EventTypeStateChange)
	e.Data = map[string]any{
		"memoryAccess": map[string]any{"operation": "write", "key": "plan", "value": "v1"},
	}
	e.Metadata = &model.Metadata{Source: "sdk", Severity: model.SeverityHigh, Tags: []string{"x"}}

	want, err := model.Marshal(e)
	require.NoError(t, err)

	require.NoError(t, db.StoreBatch(ctx, []*model.Event{e}))

	got, err := db.GetTrace(ctx, e.ID)
	require.NoError(t, err)

	gotBytes, err := model.Marshal(got)
	require.NoError(t, err)
	require.Equal(t, string(want), string(gotBytes))

	_, err = db.GetTrace(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchParamsFilters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	sessionID, err := db.CreateSession(ctx, "s", nil)
	require.NoError(t, err)

	var batch []*model.Event
	for i := 0; i < 10; i++ {
		typ := model.EventTypeTaskStart
		if i%2 == 1 {
			typ = model.EventTypeMessageSend
		}
		batch = append(batch, storedEvent(
			uuid.NewString(), sessionID, "agent-1", int64(1000+i*10), typ))
	}
	require.NoError(t, db.StoreBatch(ctx, batch))

	got, err := db.GetTracesBySession(ctx, sessionID, SearchParams{
		TimeRange: &model.TimeRange{Start: 1020, End: 1060},
	})
	require.NoError(t, err)
	require.Len(t, got, 5) // 1020..1060 inclusive

	got, err = db.GetTracesBySession(ctx, sessionID, SearchParams{
		Types: []model.EventType{model.EventTypeMessageSend},
	})
	require.NoError(t, err)
	require.Len(t, got, 5)
	for _, e := range got {
		require.Equal(t, model.EventTypeMessageSend, e.Type)
	}

	got, err = db.GetTracesBySession(ctx, sessionID, SearchParams{Limit: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.EqualValues(t, 1000, got[0].Timestamp)

	// descending + limit keeps the newest events
	got, err = db.GetTracesBySession(ctx, sessionID, SearchParams{Limit: 3, Descending: true})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.EqualValues(t, 1090, got[0].Timestamp)
	require.EqualValues(t, 1070, got[2].Timestamp)
}

func TestGetTracesByAgentAndTimeRange(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	sessionID, err := db.CreateSession(ctx, "s", nil)
	require.NoError(t, err)

	require.NoError(t, db.StoreBatch(ctx, []*model.Event{
		storedEvent("e-1", sessionID, "agent-1", 100, model.EventTypeTaskStart),
		storedEvent("e-2", sessionID, "agent-2", 200, model.EventTypeTaskStart),
		storedEvent("e-3", sessionID, "agent-1", 300, model.EventTypeTaskComplete),
	}))

	got, err := db.GetTracesByAgent(ctx, "agent-1", SearchParams{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = db.GetTracesByTimeRange(ctx, model.TimeRange{Start: 150, End: 400}, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = db.GetTracesByTimeRange(ctx, model.TimeRange{Start: 0, End: 400}, []string{"agent-2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "e-2", got[0].ID)
}

func testSnapshot(sessionID string, ts int64, typ model.SnapshotType, tags ...string) *model.Snapshot {
	if tags == nil {
		tags = []string{}
	}
	return &model.Snapshot{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Timestamp: ts,
		Type:      typ,
		Tags:      tags,
		Size:      64,
		Checksum:  "0123456789abcdef",
		CreatedAt: time.Now().UnixMilli(),
	}
}

func TestSnapshotCRUD(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	snap := testSnapshot("1", 500, model.SnapshotFull)
	snap.Description = "before rollout"
	payload := []byte(`{"timestamp":500}`)

	require.NoError(t, db.StoreSnapshot(ctx, snap, payload))

	ok, err := db.HasSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, gotPayload, err := db.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, snap.ID, got.ID)
	require.Equal(t, model.SnapshotFull, got.Type)
	require.Equal(t, "before rollout", got.Description)
	require.Equal(t, payload, gotPayload)
	require.Empty(t, got.Tags)

	require.NoError(t, db.DeleteSnapshot(ctx, snap.ID))
	require.ErrorIs(t, db.DeleteSnapshot(ctx, snap.ID), ErrNotFound)

	_, _, err = db.GetSnapshot(ctx, snap.ID)
	require.ErrorIs(t, err, ErrNotFound)

	ok, err = db.HasSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindNearestSnapshot(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, ts := range []int64{100, 200, 300} {
		require.NoError(t, db.StoreSnapshot(ctx, testSnapshot("1", ts, model.SnapshotFull), []byte("{}")))
	}

	snap, err := db.FindNearestSnapshot(ctx, "1", 250)
	require.NoError(t, err)
	require.EqualValues(t, 200, snap.Timestamp)

	snap, err = db.FindNearestSnapshot(ctx, "1", 300)
	require.NoError(t, err)
	require.EqualValues(t, 300, snap.Timestamp)

	_, err = db.FindNearestSnapshot(ctx, "1", 50)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = db.FindNearestSnapshot(ctx, "2", 250)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchSnapshots(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.StoreSnapshot(ctx, testSnapshot("1", 100, model.SnapshotFull), []byte("{}")))
	require.NoError(t, db.StoreSnapshot(ctx, testSnapshot("1", 200, model.SnapshotIncremental), []byte("{}")))
	require.NoError(t, db.StoreSnapshot(ctx, testSnapshot("1", 300, model.SnapshotTagged, "release", "v2"), []byte("{}")))
	require.NoError(t, db.StoreSnapshot(ctx, testSnapshot("2", 150, model.SnapshotFull), []byte("{}")))

	got, err := db.SearchSnapshots(ctx, SnapshotQuery{SessionID: "1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	// newest first by default
	require.EqualValues(t, 300, got[0].Timestamp)

	got, err = db.SearchSnapshots(ctx, SnapshotQuery{SessionID: "1", SortAsc: true})
	require.NoError(t, err)
	require.EqualValues(t, 100, got[0].Timestamp)

	got, err = db.SearchSnapshots(ctx, SnapshotQuery{Type: model.SnapshotFull})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = db.SearchSnapshots(ctx, SnapshotQuery{Tags: []string{"release", "v2"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.EqualValues(t, 300, got[0].Timestamp)

	got, err = db.SearchSnapshots(ctx, SnapshotQuery{Tags: []string{"release", "v3"}})
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = db.SearchSnapshots(ctx, SnapshotQuery{SessionID: "1", TimeRange: &model.TimeRange{Start: 150, End: 250}})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = db.SearchSnapshots(ctx, SnapshotQuery{SessionID: "1", SortAsc: true, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.EqualValues(t, 200, got[0].Timestamp)
}

func TestStats(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	sessionID, err := db.CreateSession(ctx, "s", nil)
	require.NoError(t, err)
	require.NoError(t, db.StoreBatch(ctx, []*model.Event{
		storedEvent("e-1", sessionID, "agent-1", 100, model.EventTypeTaskStart),
	}))
	require.NoError(t, db.StoreSnapshot(ctx, testSnapshot(sessionID, 100, model.SnapshotFull), []byte("{}")))

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.SessionCount)
	require.EqualValues(t, 1, stats.TraceCount)
	require.EqualValues(t, 1, stats.SnapshotCount)
	require.Positive(t, stats.TotalBytes)
}

func TestUpdateSessionOnEvents(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	sessionID, err := db.CreateSession(ctx, "s", nil)
	require.NoError(t, err)
	require.NoError(t, db.StoreBatch(ctx, []*model.Event{
		storedEvent("e-1", sessionID, "agent-1", 100, model.EventTypeTaskStart),
		storedEvent("e-2", sessionID, "agent-2", 110, model.EventTypeTaskStart),
	}))

	// knock counters sideways, then repair
	_, err = db.db.ExecContext(ctx, `UPDATE sessions SET event_count = 0, agent_count = 0 WHERE id = ?`, sessionID)
	require.NoError(t, err)

	require.NoError(t, db.UpdateSessionOnEvents(ctx, sessionID))

	s, err := db.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.EqualValues(t, 2, s.EventCount)
	require.Equal(t, 2, s.AgentCount)
}

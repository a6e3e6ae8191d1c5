package replay

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-test/deep"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hindsightlabs/hindsight/pkg/api"
	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/pkg/state"
	"github.com/hindsightlabs/hindsight/pkg/util/test"
	"github.com/hindsightlabs/hindsight/tracedb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func testReplayer(t *testing.T) (*Replayer, *tracedb.DB) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))

	dbCfg := tracedb.Config{}
	dbCfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	dbCfg.Path = filepath.Join(t.TempDir(), "traces.db")

	db, err := tracedb.New(&dbCfg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r, err := New(cfg, db, log.NewNopLogger())
	require.NoError(t, err)
	return r, db
}

// fakeSnapshots serves one snapshot and a canned state for it.
type fakeSnapshots struct {
	snap       *model.Snapshot
	st         *state.State
	restoreErr error
}

func (f *fakeSnapshots) FindNearest(_ context.Context, sessionID string, ts int64) (*model.Snapshot, error) {
	if f.snap == nil || ts < f.snap.Timestamp {
		return nil, fmt.Errorf("%w: no snapshot for session %s", tracedb.ErrNotFound, sessionID)
	}
	return f.snap, nil
}

func (f *fakeSnapshots) Reconstruct(context.Context, string) (*state.State, error) {
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return f.st.Clone(), nil
}

func TestReplayerLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))

	dbCfg := tracedb.Config{}
	dbCfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	dbCfg.Path = filepath.Join(t.TempDir(), "traces.db")

	db, err := tracedb.New(&dbCfg, log.NewNopLogger())
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	r, err := New(cfg, db, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), r))
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), r))
}

func TestReconstructLifecycleStates(t *testing.T) {
	r, db := testReplayer(t)
	ctx := context.Background()

	events := test.MakeLifecycle("s1", "agent-1", 1000)
	require.NoError(t, db.StoreBatch(ctx, events))
	taskID := events[1].CorrelationID

	// mid-task the agent is busy
	st, err := r.Reconstruct(ctx, "s1", 1020)
	require.NoError(t, err)
	require.Equal(t, int64(1020), st.Timestamp)
	require.Equal(t, state.AgentBusy, st.Agents["agent-1"].Status)
	require.Equal(t, taskID, st.Agents["agent-1"].CurrentTask)
	require.Equal(t, state.TaskRunning, st.Tasks[taskID].Status)

	// after the full lifecycle the agent is gone and the task done
	st, err = r.Reconstruct(ctx, "s1", 1100)
	require.NoError(t, err)
	require.Equal(t, state.AgentTerminated, st.Agents["agent-1"].Status)
	require.Equal(t, state.TaskCompleted, st.Tasks[taskID].Status)
	require.Equal(t, 1, st.Agents["agent-1"].TaskCount)
	require.Equal(t, float64(40), st.Agents["agent-1"].AvgDurationMs)

	// before anything happened the state is empty
	st, err = r.Reconstruct(ctx, "s1", 500)
	require.NoError(t, err)
	require.Empty(t, st.Agents)
	require.Empty(t, st.Tasks)
}

func TestReconstructIsDeterministic(t *testing.T) {
	r, db := testReplayer(t)
	ctx := context.Background()

	var events []*model.Event
	events = append(events, test.MakeLifecycle("s1", "agent-1", 1000)...)
	events = append(events, test.MakeLifecycle("s1", "agent-2", 1030)...)
	msg := test.MakeEvent("s1", "agent-1", 1045, model.EventTypeMessageSend)
	msg.Data = map[string]any{
		"message": map[string]any{"to": "agent-2", "content": "handoff"},
	}
	events = append(events, msg)
	require.NoError(t, db.StoreBatch(ctx, events))

	a, err := r.Reconstruct(ctx, "s1", 1100)
	require.NoError(t, err)

	// a second replayer over the same store must land on the same state
	r2, err := New(r.cfg, db, log.NewNopLogger())
	require.NoError(t, err)
	b, err := r2.Reconstruct(ctx, "s1", 1100)
	require.NoError(t, err)

	require.Empty(t, deep.Equal(a, b))

	// and the cached answer is a copy, not an alias
	c, err := r.Reconstruct(ctx, "s1", 1100)
	require.NoError(t, err)
	c.Agents["agent-1"].Status = state.AgentError
	d, err := r.Reconstruct(ctx, "s1", 1100)
	require.NoError(t, err)
	require.Equal(t, state.AgentTerminated, d.Agents["agent-1"].Status)
}

func TestReconstructFromSnapshot(t *testing.T) {
	r, db := testReplayer(t)
	ctx := context.Background()

	// an event before the snapshot that the snapshot state does not include:
	// if it shows up in the result, the replay started too early
	early := test.MakeEvent("s1", "early-agent", 500, model.EventTypeAgentSpawn)
	late := test.MakeEvent("s1", "late-agent", 1500, model.EventTypeAgentSpawn)
	require.NoError(t, db.StoreBatch(ctx, []*model.Event{early, late}))

	snapState := state.New()
	snapState.Timestamp = 1000
	snapState.Agents["from-snapshot"] = &state.AgentState{ID: "from-snapshot", Status: state.AgentIdle, SpawnedAt: 900}
	r.SetSnapshotSource(&fakeSnapshots{
		snap: &model.Snapshot{ID: "snap-1", SessionID: "s1", Timestamp: 1000, Type: model.SnapshotFull},
		st:   snapState,
	})

	st, err := r.Reconstruct(ctx, "s1", 2000)
	require.NoError(t, err)
	require.Equal(t, int64(2000), st.Timestamp)
	require.Contains(t, st.Agents, "from-snapshot")
	require.Contains(t, st.Agents, "late-agent")
	require.NotContains(t, st.Agents, "early-agent")
}

func TestReconstructSnapshotRestoreFallback(t *testing.T) {
	r, db := testReplayer(t)
	ctx := context.Background()

	early := test.MakeEvent("s1", "early-agent", 500, model.EventTypeAgentSpawn)
	require.NoError(t, db.StoreBatch(ctx, []*model.Event{early}))

	r.SetSnapshotSource(&fakeSnapshots{
		snap:       &model.Snapshot{ID: "snap-1", SessionID: "s1", Timestamp: 1000, Type: model.SnapshotFull},
		restoreErr: errors.New("payload corrupt"),
	})

	// a broken snapshot degrades to a full replay instead of failing
	st, err := r.Reconstruct(ctx, "s1", 2000)
	require.NoError(t, err)
	require.Contains(t, st.Agents, "early-agent")
}

func TestDiff(t *testing.T) {
	r, db := testReplayer(t)
	ctx := context.Background()

	var events []*model.Event
	events = append(events, test.MakeEvent("s1", "agent-1", 1000, model.EventTypeAgentSpawn))
	events = append(events, test.MakeLifecycle("s1", "agent-2", 2000)...)
	require.NoError(t, db.StoreBatch(ctx, events))

	delta, err := r.Diff(ctx, "s1", 1500, 2100)
	require.NoError(t, err)
	require.Equal(t, int64(1500), delta.FromTimestamp)
	require.Equal(t, int64(2100), delta.ToTimestamp)
	require.Contains(t, delta.Agents.Added, "agent-2")
	require.NotContains(t, delta.Agents.Added, "agent-1")
	require.Empty(t, delta.Agents.Removed)

	// equal endpoints produce an empty delta
	delta, err = r.Diff(ctx, "s1", 2100, 2100)
	require.NoError(t, err)
	require.True(t, delta.Empty())

	_, err = r.Diff(ctx, "s1", 2100, 1500)
	require.Error(t, err)
}

func TestReplayWalk(t *testing.T) {
	r, db := testReplayer(t)
	ctx := context.Background()

	events := test.MakeLifecycle("s1", "agent-1", 1000)
	require.NoError(t, db.StoreBatch(ctx, events))

	var walked []string
	err := r.Replay(ctx, "s1", model.TimeRange{Start: 1000, End: 1100}, func(st *state.State, e *model.Event) error {
		require.Equal(t, e.Timestamp, st.Timestamp)
		walked = append(walked, string(e.Type))
		return nil
	})
	require.NoError(t, err)
	// the spawn at 1000 seeds the base state, the walk covers (1000, 1100]
	require.Equal(t, []string{"TASK_START", "TASK_COMPLETE", "AGENT_DESTROY"}, walked)

	// fn errors abort the walk
	boom := errors.New("stop here")
	calls := 0
	err = r.Replay(ctx, "s1", model.TimeRange{Start: 0, End: 1100}, func(*state.State, *model.Event) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, calls)
}

func TestFindConditionOrigin(t *testing.T) {
	r, db := testReplayer(t)
	ctx := context.Background()

	var events []*model.Event
	events = append(events, test.MakeLifecycle("s1", "agent-1", 1000)...) // completes at 1050
	events = append(events, test.MakeLifecycle("s1", "agent-2", 2000)...) // completes at 2050
	require.NoError(t, db.StoreBatch(ctx, events))

	anyCompleted := func(st *state.State) bool {
		for _, task := range st.Tasks {
			if task.Status == state.TaskCompleted {
				return true
			}
		}
		return false
	}

	// the earliest completion wins, not the latest
	origin, ts, err := r.FindConditionOrigin(ctx, "s1", anyCompleted, 3000)
	require.NoError(t, err)
	require.NotNil(t, origin)
	require.Equal(t, model.EventTypeTaskComplete, origin.Type)
	require.Equal(t, int64(1050), ts)

	// a condition that never holds inside the window returns nothing
	origin, ts, err = r.FindConditionOrigin(ctx, "s1", anyCompleted, 1040)
	require.NoError(t, err)
	require.Nil(t, origin)
	require.Zero(t, ts)

	origin, _, err = r.FindConditionOrigin(ctx, "s1", func(st *state.State) bool {
		return len(st.Agents) > 10
	}, 3000)
	require.NoError(t, err)
	require.Nil(t, origin)
}

func TestConsumeBatchInvalidatesCache(t *testing.T) {
	r, db := testReplayer(t)
	ctx := context.Background()

	first := test.MakeEvent("s1", "agent-1", 1000, model.EventTypeAgentSpawn)
	require.NoError(t, db.StoreBatch(ctx, []*model.Event{first}))

	st, err := r.Reconstruct(ctx, "s1", 5000)
	require.NoError(t, err)
	require.Len(t, st.Agents, 1)

	// a late event lands inside the cached range; until the sink fires the
	// cache keeps serving the old answer
	second := test.MakeEvent("s1", "agent-2", 2000, model.EventTypeAgentSpawn)
	require.NoError(t, db.StoreBatch(ctx, []*model.Event{second}))

	st, err = r.Reconstruct(ctx, "s1", 5000)
	require.NoError(t, err)
	require.Len(t, st.Agents, 1)

	r.ConsumeBatch(ctx, []*model.Event{second})

	st, err = r.Reconstruct(ctx, "s1", 5000)
	require.NoError(t, err)
	require.Len(t, st.Agents, 2)

	// other sessions keep their cache
	other := test.MakeEvent("s2", "agent-9", 1000, model.EventTypeAgentSpawn)
	require.NoError(t, db.StoreBatch(ctx, []*model.Event{other}))
	r.ConsumeBatch(ctx, []*model.Event{other})
	st, err = r.Reconstruct(ctx, "s1", 5000)
	require.NoError(t, err)
	require.Len(t, st.Agents, 2)
}

// timedEvent builds an event with a duration and an optional parent link.
func timedEvent(sessionID, agentID string, ts int64, durationMs float64, parentID string) *model.Event {
	e := test.MakeEvent(sessionID, agentID, ts, model.EventTypeTaskStart)
	e.ParentID = parentID
	if durationMs > 0 {
		e.Performance = &model.PerformanceRecord{DurationMs: durationMs}
	}
	return e
}

func TestCriticalPath(t *testing.T) {
	r, db := testReplayer(t)
	ctx := context.Background()

	root := timedEvent("s1", "planner", 1000, 2000, "")
	slow := timedEvent("s1", "worker-1", 4000, 6000, root.ID)
	tail := timedEvent("s1", "worker-1", 11000, 500, slow.ID)
	side := timedEvent("s1", "worker-2", 2500, 100, root.ID)
	free := timedEvent("s1", "worker-3", 4200, 300, "") // same window as slow, unrelated
	require.NoError(t, db.StoreBatch(ctx, []*model.Event{root, slow, tail, side, free}))

	cp, err := r.CriticalPath(ctx, "s1", 12000)
	require.NoError(t, err)
	require.Equal(t, "s1", cp.SessionID)
	require.Equal(t, float64(8500), cp.TotalDurationMs)

	require.Len(t, cp.Path, 3)
	require.Equal(t, root.ID, cp.Path[0].EventID)
	require.Equal(t, slow.ID, cp.Path[1].EventID)
	require.Equal(t, tail.ID, cp.Path[2].EventID)

	require.Len(t, cp.Bottlenecks, 2)
	require.Equal(t, root.ID, cp.Bottlenecks[0].EventID)
	require.Equal(t, "medium", cp.Bottlenecks[0].Severity)
	require.Equal(t, slow.ID, cp.Bottlenecks[1].EventID)
	require.Equal(t, "high", cp.Bottlenecks[1].Severity)

	// the free event shares second four with the slow one and neither
	// descends from the other
	require.Len(t, cp.Opportunities, 1)
	require.Equal(t, int64(4000), cp.Opportunities[0].WindowStart)
	require.Equal(t, []string{slow.ID, free.ID}, cp.Opportunities[0].EventIDs)

	// clipping the window drops the slow branch entirely
	cp, err = r.CriticalPath(ctx, "s1", 3000)
	require.NoError(t, err)
	require.Equal(t, float64(2100), cp.TotalDurationMs)
	require.Len(t, cp.Path, 2)
	require.Equal(t, root.ID, cp.Path[0].EventID)
	require.Equal(t, side.ID, cp.Path[1].EventID)
	require.Empty(t, cp.Opportunities)
}

func TestCriticalPathEdgeCases(t *testing.T) {
	r, db := testReplayer(t)
	ctx := context.Background()

	// no events at all
	cp, err := r.CriticalPath(ctx, "empty", 1000)
	require.NoError(t, err)
	require.Empty(t, cp.Path)
	require.Zero(t, cp.TotalDurationMs)

	// a parent cycle must not hang the analysis
	a := timedEvent("s1", "agent-1", 1000, 100, "")
	b := timedEvent("s1", "agent-1", 2000, 100, "")
	a.ParentID = b.ID
	b.ParentID = a.ID
	require.NoError(t, db.StoreBatch(ctx, []*model.Event{a, b}))

	cp, err = r.CriticalPath(ctx, "s1", 3000)
	require.NoError(t, err)
	require.Empty(t, cp.Path)

	_, err = r.CriticalPath(ctx, "", 1000)
	require.Error(t, err)
}

func testReplayRouter(r *Replayer) *mux.Router {
	m := mux.NewRouter()
	m.HandleFunc(api.PathState, r.StateHandler).Methods(http.MethodGet)
	m.HandleFunc(api.PathStateDiff, r.DiffHandler).Methods(http.MethodGet)
	m.HandleFunc(api.PathCriticalPath, r.CriticalPathHandler).Methods(http.MethodGet)
	return m
}

func TestReplayHTTP(t *testing.T) {
	r, db := testReplayer(t)
	ctx := context.Background()

	events := test.MakeLifecycle("s1", "agent-1", 1000)
	require.NoError(t, db.StoreBatch(ctx, events))

	srv := httptest.NewServer(testReplayRouter(r))
	defer srv.Close()

	// state at a timestamp
	res, err := http.Get(srv.URL + api.PathState + "?session=s1&timestamp=1020")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st state.State
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	require.NoError(t, res.Body.Close())
	require.Equal(t, int64(1020), st.Timestamp)
	require.Contains(t, st.Agents, "agent-1")

	// missing timestamp is a client error
	res, err = http.Get(srv.URL + api.PathState + "?session=s1")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	var apiErr api.ErrorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&apiErr))
	require.NoError(t, res.Body.Close())
	require.Equal(t, "INVALID_REQUEST", apiErr.Code)

	// diff between two timestamps
	res, err = http.Get(srv.URL + api.PathStateDiff + "?session=s1&from=900&to=1100")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var delta state.Delta
	require.NoError(t, json.NewDecoder(res.Body).Decode(&delta))
	require.NoError(t, res.Body.Close())
	require.Contains(t, delta.Agents.Added, "agent-1")

	// reversed range is rejected by the parser
	res, err = http.Get(srv.URL + api.PathStateDiff + "?session=s1&from=1100&to=900")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.NoError(t, res.Body.Close())

	// critical path
	res, err = http.Get(srv.URL + api.PathCriticalPath + "?session=s1&end=2000")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var cp CriticalPath
	require.NoError(t, json.NewDecoder(res.Body).Decode(&cp))
	require.NoError(t, res.Body.Close())
	require.Equal(t, "s1", cp.SessionID)
	require.NotEmpty(t, cp.Path)
}

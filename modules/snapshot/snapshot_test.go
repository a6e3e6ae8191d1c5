package snapshot

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hindsightlabs/hindsight/pkg/api"
	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/pkg/state"
	"github.com/hindsightlabs/hindsight/tracedb"
)

func testManager(t *testing.T, mutate func(*Config)) (*Manager, *tracedb.DB) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	if mutate != nil {
		mutate(&cfg)
	}

	dbCfg := tracedb.Config{}
	dbCfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	dbCfg.Path = filepath.Join(t.TempDir(), "traces.db")

	db, err := tracedb.New(&dbCfg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m, err := New(cfg, db, log.NewNopLogger())
	require.NoError(t, err)
	return m, db
}

// stateWithAgents builds a state with n idle agents at the given timestamp.
func stateWithAgents(n int, ts int64) *state.State {
	st := state.New()
	st.Timestamp = ts
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("agent-%03d", i)
		st.Agents[id] = &state.AgentState{
			ID:        id,
			Status:    state.AgentIdle,
			SpawnedAt: 100,
		}
	}
	return st
}

func TestCreateFullThenIncremental(t *testing.T) {
	m, _ := testManager(t, nil)
	ctx := context.Background()

	// 100 agents, full snapshot
	s0State := stateWithAgents(100, 1000)
	s0, err := m.Create(ctx, "s1", s0State, CreateOptions{Description: "baseline"})
	require.NoError(t, err)
	require.Equal(t, model.SnapshotFull, s0.Type)
	require.Empty(t, s0.BaseSnapshotID)
	require.True(t, s0.Compressed) // 100 agents serialize well past the 1 KiB threshold
	require.NotEmpty(t, s0.Checksum)

	// mutate 5 agents, snapshot again
	s1State := s0State.Clone()
	s1State.Timestamp = 2000
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("agent-%03d", i)
		s1State.Agents[id].Status = state.AgentBusy
		s1State.Agents[id].CurrentTask = "task-" + id
	}
	s1, err := m.Create(ctx, "s1", s1State, CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, model.SnapshotIncremental, s1.Type)
	require.Equal(t, s0.ID, s1.BaseSnapshotID)

	// the stored delta updates exactly the 5 mutated agents
	_, raw, err := m.payload(ctx, s1.ID)
	require.NoError(t, err)
	delta, err := state.UnmarshalDelta(raw)
	require.NoError(t, err)
	require.Len(t, delta.Agents.Updated, 5)
	require.Empty(t, delta.Agents.Added)
	require.Empty(t, delta.Agents.Removed)

	// restoring the incremental yields the post-mutation agents
	restored, err := m.Reconstruct(ctx, s1.ID)
	require.NoError(t, err)
	require.Equal(t, s1State.Agents, restored.Agents)
	require.Equal(t, int64(2000), restored.Timestamp)
}

func TestLargeDeltaFallsBackToFull(t *testing.T) {
	m, _ := testManager(t, nil)
	ctx := context.Background()

	s0State := stateWithAgents(100, 1000)
	_, err := m.Create(ctx, "s1", s0State, CreateOptions{})
	require.NoError(t, err)

	// touching nearly every agent makes an incremental pointless
	next := s0State.Clone()
	next.Timestamp = 2000
	for id := range next.Agents {
		next.Agents[id].Status = state.AgentError
		next.Agents[id].LastError = "boom"
	}
	snap, err := m.Create(ctx, "s1", next, CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, model.SnapshotFull, snap.Type)
	require.Empty(t, snap.BaseSnapshotID)
}

func TestFirstSnapshotIsAlwaysFull(t *testing.T) {
	m, _ := testManager(t, nil)

	snap, err := m.Create(context.Background(), "s1", stateWithAgents(2, 1000), CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, model.SnapshotFull, snap.Type)
}

func TestTagsPinSnapshot(t *testing.T) {
	m, _ := testManager(t, nil)

	snap, err := m.Create(context.Background(), "s1", stateWithAgents(2, 1000), CreateOptions{
		Tags:        []string{"release", "v1"},
		Description: "before rollout",
	})
	require.NoError(t, err)
	require.Equal(t, model.SnapshotTagged, snap.Type)
	require.True(t, snap.IsTagged())
	require.Nil(t, snap.ExpiresAt)
}

// storeChain writes a handcrafted snapshot row, the way an imported foreign
// chain would look.
func storeChain(t *testing.T, db *tracedb.DB, id, base string, ts int64, typ model.SnapshotType, payload []byte) {
	t.Helper()
	require.NoError(t, db.StoreSnapshot(context.Background(), &model.Snapshot{
		ID:             id,
		SessionID:      "s1",
		Timestamp:      ts,
		Type:           typ,
		BaseSnapshotID: base,
		Size:           int64(len(payload)),
		Checksum:       model.Checksum(payload),
		CreatedAt:      ts,
	}, payload))
}

func TestReconstructResolvesChains(t *testing.T) {
	m, db := testManager(t, nil)
	ctx := context.Background()

	a := stateWithAgents(2, 1000)

	b := a.Clone()
	b.Timestamp = 2000
	b.Tasks["t1"] = &state.TaskState{ID: "t1", AgentID: "agent-000", Status: state.TaskRunning, StartedAt: 1500}
	b.Agents["agent-000"].Status = state.AgentBusy

	c := b.Clone()
	c.Timestamp = 3000
	c.Memory["color"] = &state.MemoryEntry{Value: "blue", UpdatedAt: 2500, UpdatedBy: "agent-001", Version: 1}
	delete(c.Agents, "agent-001")

	full, err := state.Marshal(a)
	require.NoError(t, err)
	d1, err := state.MarshalDelta(state.ComputeDelta(a, b))
	require.NoError(t, err)
	d2, err := state.MarshalDelta(state.ComputeDelta(b, c))
	require.NoError(t, err)

	storeChain(t, db, "full", "", 1000, model.SnapshotFull, full)
	storeChain(t, db, "inc1", "full", 2000, model.SnapshotIncremental, d1)
	storeChain(t, db, "inc2", "inc1", 3000, model.SnapshotIncremental, d2)

	restored, err := m.Reconstruct(ctx, "inc2")
	require.NoError(t, err)
	require.Equal(t, c.Agents, restored.Agents)
	require.Equal(t, c.Tasks, restored.Tasks)
	require.Equal(t, c.Memory, restored.Memory)
	require.Equal(t, int64(3000), restored.Timestamp)

	// intermediate link restores too
	mid, err := m.Reconstruct(ctx, "inc1")
	require.NoError(t, err)
	require.Equal(t, b.Tasks, mid.Tasks)
}

func TestReconstructRejectsCycles(t *testing.T) {
	m, db := testManager(t, nil)

	d, err := state.MarshalDelta(&state.Delta{FromTimestamp: 1000, ToTimestamp: 2000})
	require.NoError(t, err)
	storeChain(t, db, "self", "self", 2000, model.SnapshotIncremental, d)

	_, err = m.Reconstruct(context.Background(), "self")
	require.ErrorIs(t, err, ErrSnapshot)
	require.Contains(t, err.Error(), "cycle")
}

func TestReconstructRejectsNewerBase(t *testing.T) {
	m, db := testManager(t, nil)

	full, err := state.Marshal(stateWithAgents(1, 5000))
	require.NoError(t, err)
	d, err := state.MarshalDelta(&state.Delta{FromTimestamp: 5000, ToTimestamp: 1500})
	require.NoError(t, err)

	storeChain(t, db, "base", "", 5000, model.SnapshotFull, full)
	storeChain(t, db, "inc", "base", 1500, model.SnapshotIncremental, d)

	_, err = m.Reconstruct(context.Background(), "inc")
	require.ErrorIs(t, err, ErrSnapshot)
	require.Contains(t, err.Error(), "not older")
}

func TestChecksumValidation(t *testing.T) {
	m, db := testManager(t, nil)
	ctx := context.Background()

	payload, err := state.Marshal(stateWithAgents(1, 1000))
	require.NoError(t, err)
	require.NoError(t, db.StoreSnapshot(ctx, &model.Snapshot{
		ID:        "tampered",
		SessionID: "s1",
		Timestamp: 1000,
		Type:      model.SnapshotFull,
		Size:      int64(len(payload)),
		Checksum:  "0000000000000000",
		CreatedAt: 1000,
	}, payload))

	_, err = m.Reconstruct(ctx, "tampered")
	require.ErrorIs(t, err, ErrSnapshot)
	require.Contains(t, err.Error(), "checksum")
}

func TestCompare(t *testing.T) {
	m, _ := testManager(t, nil)
	ctx := context.Background()

	before := stateWithAgents(3, 1000)
	s0, err := m.Create(ctx, "s1", before, CreateOptions{})
	require.NoError(t, err)

	after := before.Clone()
	after.Timestamp = 2000
	after.Agents["agent-000"].Status = state.AgentTerminated
	delete(after.Agents, "agent-002")
	s1, err := m.Create(ctx, "s1", after, CreateOptions{Type: model.SnapshotFull})
	require.NoError(t, err)

	cmp, err := m.Compare(ctx, s0.ID, s1.ID)
	require.NoError(t, err)
	require.Equal(t, s0.ID, cmp.From.ID)
	require.Equal(t, s1.ID, cmp.To.ID)
	require.Len(t, cmp.Delta.Agents.Updated, 1)
	require.Equal(t, []string{"agent-002"}, cmp.Delta.Agents.Removed)
	require.Equal(t, 2, cmp.Changes)
}

func TestExportImportRoundTrip(t *testing.T) {
	src, _ := testManager(t, nil)
	ctx := context.Background()

	base := stateWithAgents(10, 1000)
	_, err := src.Create(ctx, "s1", base, CreateOptions{})
	require.NoError(t, err)

	next := base.Clone()
	next.Timestamp = 2000
	next.Agents["agent-000"].Status = state.AgentBusy
	_, err = src.Create(ctx, "s1", next, CreateOptions{})
	require.NoError(t, err)

	_, err = src.Create(ctx, "s1", next, CreateOptions{Tags: []string{"keep"}})
	require.NoError(t, err)

	bundle, err := src.Export(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, bundle.Snapshots, 3)

	// fresh store accepts the whole bundle with integrity validation
	dst, _ := testManager(t, nil)
	res, err := dst.Import(ctx, bundle, ImportOptions{ValidateIntegrity: true})
	require.NoError(t, err)
	require.Equal(t, 3, res.Imported)
	require.Zero(t, res.Skipped)
	require.Empty(t, res.Errors)

	// chains survive the trip
	for _, entry := range bundle.Snapshots {
		_, err := dst.Reconstruct(ctx, entry.Snapshot.ID)
		require.NoError(t, err)
	}

	// second import without overwrite skips everything
	res, err = dst.Import(ctx, bundle, ImportOptions{ValidateIntegrity: true})
	require.NoError(t, err)
	require.Zero(t, res.Imported)
	require.Equal(t, 3, res.Skipped)
}

func TestImportSkipsCorruptRecords(t *testing.T) {
	src, _ := testManager(t, nil)
	ctx := context.Background()

	_, err := src.Create(ctx, "s1", stateWithAgents(2, 1000), CreateOptions{})
	require.NoError(t, err)
	_, err = src.Create(ctx, "s1", stateWithAgents(3, 2000), CreateOptions{Type: model.SnapshotFull})
	require.NoError(t, err)

	bundle, err := src.Export(ctx, "s1")
	require.NoError(t, err)
	bundle.Snapshots[0].Payload = []byte(`{"tampered":true}`)

	dst, _ := testManager(t, nil)
	res, err := dst.Import(ctx, bundle, ImportOptions{ValidateIntegrity: true})
	require.NoError(t, err)
	require.Equal(t, 1, res.Imported)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "checksum mismatch")
}

func TestRetentionSweep(t *testing.T) {
	m, _ := testManager(t, func(cfg *Config) {
		cfg.MaxRetention = 10 * time.Millisecond
	})
	ctx := context.Background()

	_, err := m.Create(ctx, "s1", stateWithAgents(1, 1000), CreateOptions{})
	require.NoError(t, err)
	_, err = m.Create(ctx, "s1", stateWithAgents(1, 2000), CreateOptions{Type: model.SnapshotFull})
	require.NoError(t, err)
	tagged, err := m.Create(ctx, "s1", stateWithAgents(1, 3000), CreateOptions{Tags: []string{"keep"}})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	m.doRetention(ctx)

	left, err := m.Search(ctx, tracedb.SnapshotQuery{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, tagged.ID, left[0].ID)
}

func TestPerSessionCap(t *testing.T) {
	m, _ := testManager(t, func(cfg *Config) {
		cfg.MaxSnapshotsPerSession = 2
		cfg.IncrementalEnabled = false
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := m.Create(ctx, "s1", stateWithAgents(1, int64(1000*(i+1))), CreateOptions{})
		require.NoError(t, err)
	}

	m.doRetention(ctx)

	left, err := m.Search(ctx, tracedb.SnapshotQuery{SessionID: "s1", SortAsc: true})
	require.NoError(t, err)
	require.Len(t, left, 2)
	// oldest evicted first
	require.Equal(t, int64(3000), left[0].Timestamp)
	require.Equal(t, int64(4000), left[1].Timestamp)
}

// fakeProvider hands out a fixed state for any (session, ts).
type fakeProvider struct {
	st *state.State
}

func (p *fakeProvider) Reconstruct(_ context.Context, _ string, ts int64) (*state.State, error) {
	st := p.st.Clone()
	st.Timestamp = ts
	return st, nil
}

func TestAutomaticCapture(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	cfg.AutomaticInterval = 20 * time.Millisecond

	dbCfg := tracedb.Config{}
	dbCfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	dbCfg.Path = filepath.Join(t.TempDir(), "traces.db")
	db, err := tracedb.New(&dbCfg, log.NewNopLogger())
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	m, err := New(cfg, db, log.NewNopLogger())
	require.NoError(t, err)
	m.SetStateProvider(&fakeProvider{st: stateWithAgents(3, 0)})

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), m))

	m.StartAutomatic("s1")
	m.StartAutomatic("s1") // idempotent

	require.Eventually(t, func() bool {
		snaps, err := m.Search(context.Background(), tracedb.SnapshotQuery{SessionID: "s1"})
		return err == nil && len(snaps) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	m.StopAutomatic("s1")
	snaps, err := m.Search(context.Background(), tracedb.SnapshotQuery{SessionID: "s1"})
	require.NoError(t, err)
	count := len(snaps)

	// no captures after stop
	time.Sleep(60 * time.Millisecond)
	snaps, err = m.Search(context.Background(), tracedb.SnapshotQuery{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, count, len(snaps))

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), m))
}

func testRouter(m *Manager) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(api.PathSnapshots, m.ListHandler).Methods(http.MethodGet)
	r.HandleFunc(api.PathSnapshots, m.CreateHandler).Methods(http.MethodPost)
	r.HandleFunc(api.PathSnapshotExport, m.ExportHandler).Methods(http.MethodGet)
	r.HandleFunc(api.PathSnapshotImport, m.ImportHandler).Methods(http.MethodPost)
	r.HandleFunc(api.PathSnapshot, m.GetHandler).Methods(http.MethodGet)
	r.HandleFunc(api.PathSnapshot, m.DeleteHandler).Methods(http.MethodDelete)
	return r
}

func TestHTTPHandlers(t *testing.T) {
	m, _ := testManager(t, nil)
	m.SetStateProvider(&fakeProvider{st: stateWithAgents(4, 0)})

	srv := httptest.NewServer(testRouter(m))
	defer srv.Close()

	// create
	resp, err := http.Post(srv.URL+"/api/snapshots", "application/json",
		strings.NewReader(`{"sessionId":"s1","timestamp":1234,"tags":["bookmark"]}`))
	require.NoError(t, err)
	created := &model.Snapshot{}
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(created))
	resp.Body.Close()
	require.Equal(t, model.SnapshotTagged, created.Type)
	require.Equal(t, int64(1234), created.Timestamp)

	// list
	resp, err = http.Get(srv.URL + "/api/snapshots?session=s1")
	require.NoError(t, err)
	var listed []*model.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed, 1)

	// fetch with state
	resp, err = http.Get(srv.URL + "/api/snapshots/" + created.ID)
	require.NoError(t, err)
	var got api.SnapshotResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	require.Equal(t, created.ID, got.Snapshot.ID)
	require.Len(t, got.State.Agents, 4)

	// export / import round trip over the wire
	resp, err = http.Get(srv.URL + "/api/snapshots/export?session=s1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bundle := &Bundle{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(bundle))
	resp.Body.Close()
	require.Len(t, bundle.Snapshots, 1)

	body, err := json.Marshal(bundle)
	require.NoError(t, err)
	resp, err = http.Post(srv.URL+"/api/snapshots/import?overwrite=true", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	var res api.ImportResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	require.Equal(t, 1, res.Imported)
	require.Empty(t, res.Errors)

	// delete
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/snapshots/"+created.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/snapshots/" + created.ID)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

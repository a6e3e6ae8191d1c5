// Package snapshot owns the persisted state captures of sessions: creating
// full and incremental snapshots, restoring them (resolving incremental
// chains), import/export bundles, automatic per-session capture and
// snapshot retention.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"golang.org/x/sync/errgroup"

	"github.com/hindsightlabs/hindsight/pkg/api"
	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/pkg/state"
	"github.com/hindsightlabs/hindsight/tracedb"
)

// ErrSnapshot wraps every snapshot create/restore/import failure,
// checksum mismatches included.
var ErrSnapshot = errors.New("SNAPSHOT_ERROR")

// incrementalWorthPct is the delta-to-full size ratio above which Create
// stores a full snapshot even though an incremental would be possible.
const incrementalWorthPct = 30

// exportConcurrency bounds parallel payload reads during a bundle export.
const exportConcurrency = 4

// Store is the slice of the storage surface the snapshot manager needs.
type Store interface {
	StoreSnapshot(ctx context.Context, snap *model.Snapshot, payload []byte) error
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, []byte, error)
	HasSnapshot(ctx context.Context, id string) (bool, error)
	DeleteSnapshot(ctx context.Context, id string) error
	FindNearestSnapshot(ctx context.Context, sessionID string, ts int64) (*model.Snapshot, error)
	SearchSnapshots(ctx context.Context, q tracedb.SnapshotQuery) ([]*model.Snapshot, error)
	SweepSnapshots(ctx context.Context, olderThan int64, maxPerSession int) (int64, error)
}

// StateProvider reconstructs session states for automatic captures and the
// HTTP create path. Wired to the replayer by the app.
type StateProvider interface {
	Reconstruct(ctx context.Context, sessionID string, ts int64) (*state.State, error)
}

// CreateOptions shape one snapshot. An empty Type lets policy decide
// between full and incremental; tags pin the snapshot against retention.
type CreateOptions struct {
	Type        model.SnapshotType
	Tags        []string
	Description string
}

// ImportOptions control how bundle entries are admitted.
type ImportOptions struct {
	// ValidateIntegrity recomputes each entry's checksum; mismatching
	// entries are skipped with an error, never imported.
	ValidateIntegrity bool
	// Overwrite replaces existing snapshots with the same id instead of
	// skipping them.
	Overwrite bool
}

// Manager is the snapshot service. All methods are safe for concurrent
// use; the service itself runs the retention sweep and the automatic
// capture loops.
type Manager struct {
	services.Service

	cfg    Config
	logger log.Logger
	store  Store

	provider StateProvider

	mtx  sync.Mutex
	auto map[string]chan struct{}
	wg   sync.WaitGroup
}

// New builds the manager. Create and restore work as soon as New returns;
// automatic capture and retention need the service started.
func New(cfg Config, store Store, logger log.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger,
		store:  store,
		auto:   map[string]chan struct{}{},
	}
	m.Service = services.NewBasicService(nil, m.running, m.stopping)

	return m, nil
}

// SetStateProvider wires the reconstructor in. Automatic capture and the
// HTTP create path need it; everything else works without.
func (m *Manager) SetStateProvider(p StateProvider) {
	m.provider = p
}

func (m *Manager) running(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.RetentionPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.doRetention(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) stopping(_ error) error {
	m.mtx.Lock()
	for id, stop := range m.auto {
		close(stop)
		delete(m.auto, id)
	}
	m.mtx.Unlock()

	m.wg.Wait()
	return nil
}

// Create persists a capture of st for the session. Policy: tags force a
// tagged (pinned) snapshot; otherwise an incremental against the latest
// full snapshot is stored when one exists and the delta is under 30% of
// the full serialization, else a full snapshot.
func (m *Manager) Create(ctx context.Context, sessionID string, st *state.State, opts CreateOptions) (*model.Snapshot, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("please provide a session")
	}
	if st == nil {
		return nil, fmt.Errorf("please provide a state")
	}

	full, err := state.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding state: %s", ErrSnapshot, err)
	}

	ts := st.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	snap := &model.Snapshot{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Timestamp:   ts,
		Type:        m.pickType(opts),
		Tags:        opts.Tags,
		Description: opts.Description,
		CreatedAt:   time.Now().UnixMilli(),
	}

	payload := full
	if snap.Type == model.SnapshotIncremental {
		forced := opts.Type == model.SnapshotIncremental
		delta, baseID, err := m.deltaAgainstLatestFull(ctx, sessionID, st, ts)
		switch {
		case err != nil && forced:
			return nil, err
		case err != nil && !errors.Is(err, tracedb.ErrNotFound):
			return nil, err
		case err != nil:
			snap.Type = model.SnapshotFull
		case !forced && len(delta)*100 >= len(full)*incrementalWorthPct:
			// delta too close to a full serialization to be worth a
			// chain hop on restore
			snap.Type = model.SnapshotFull
		default:
			payload = delta
			snap.BaseSnapshotID = baseID
		}
	}

	snap.Size = int64(len(payload))
	snap.Checksum = model.Checksum(payload)

	blob := payload
	if m.cfg.CompressionEnabled && int64(len(payload)) > m.cfg.CompressionThreshold {
		compressed, err := model.Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: compressing snapshot: %s", ErrSnapshot, err)
		}
		blob = compressed
		snap.Compressed = true
		snap.CompressedSize = int64(len(compressed))
	}

	if !snap.IsTagged() && m.cfg.MaxRetention > 0 {
		expires := snap.CreatedAt + m.cfg.MaxRetention.Milliseconds()
		snap.ExpiresAt = &expires
	}

	if err := m.store.StoreSnapshot(ctx, snap, blob); err != nil {
		return nil, err
	}

	metricSnapshotsCreated.WithLabelValues(string(snap.Type)).Inc()
	metricSnapshotBytes.Observe(float64(len(blob)))
	level.Debug(m.logger).Log("msg", "snapshot created", "id", snap.ID, "session", sessionID,
		"type", snap.Type, "size", snap.Size, "compressed", snap.Compressed)
	return snap, nil
}

func (m *Manager) pickType(opts CreateOptions) model.SnapshotType {
	switch {
	case opts.Type != "":
		return opts.Type
	case len(opts.Tags) > 0:
		return model.SnapshotTagged
	case m.cfg.IncrementalEnabled:
		return model.SnapshotIncremental
	default:
		return model.SnapshotFull
	}
}

// deltaAgainstLatestFull serializes the change set between the latest full
// snapshot strictly before ts and st. Returns tracedb.ErrNotFound when the
// session has no full snapshot to base an incremental on.
func (m *Manager) deltaAgainstLatestFull(ctx context.Context, sessionID string, st *state.State, ts int64) ([]byte, string, error) {
	snaps, err := m.store.SearchSnapshots(ctx, tracedb.SnapshotQuery{
		SessionID: sessionID,
		Type:      model.SnapshotFull,
		TimeRange: &model.TimeRange{End: ts - 1},
		Limit:     1,
	})
	if err != nil {
		return nil, "", err
	}
	if len(snaps) == 0 {
		return nil, "", fmt.Errorf("%w: no full snapshot before %d in session %s", tracedb.ErrNotFound, ts, sessionID)
	}
	base := snaps[0]

	baseState, err := m.Reconstruct(ctx, base.ID)
	if err != nil {
		return nil, "", err
	}

	delta := state.ComputeDelta(baseState, st)
	delta.ToTimestamp = ts
	b, err := state.MarshalDelta(delta)
	if err != nil {
		return nil, "", fmt.Errorf("%w: encoding delta: %s", ErrSnapshot, err)
	}
	return b, base.ID, nil
}

// Get returns snapshot metadata by id.
func (m *Manager) Get(ctx context.Context, id string) (*model.Snapshot, error) {
	snap, _, err := m.store.GetSnapshot(ctx, id)
	return snap, err
}

// Delete removes a snapshot, tagged or not.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteSnapshot(ctx, id)
}

// FindNearest returns the latest snapshot of the session at or before ts.
func (m *Manager) FindNearest(ctx context.Context, sessionID string, ts int64) (*model.Snapshot, error) {
	return m.store.FindNearestSnapshot(ctx, sessionID, ts)
}

// Search lists snapshots matching the query.
func (m *Manager) Search(ctx context.Context, q tracedb.SnapshotQuery) ([]*model.Snapshot, error) {
	return m.store.SearchSnapshots(ctx, q)
}

// Reconstruct restores the state a snapshot captured. Incremental chains
// are resolved recursively down to their base full snapshot; a visited set
// and the base.timestamp < snapshot.timestamp invariant guard against
// cycles.
func (m *Manager) Reconstruct(ctx context.Context, id string) (*state.State, error) {
	start := time.Now()
	_, st, err := m.reconstruct(ctx, id, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	metricRestoreDuration.Observe(time.Since(start).Seconds())
	return st, nil
}

func (m *Manager) reconstruct(ctx context.Context, id string, visited map[string]struct{}) (*model.Snapshot, *state.State, error) {
	if _, seen := visited[id]; seen {
		return nil, nil, fmt.Errorf("%w: snapshot chain cycle at %s", ErrSnapshot, id)
	}
	visited[id] = struct{}{}

	snap, raw, err := m.payload(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if snap.Type != model.SnapshotIncremental {
		st, err := state.Unmarshal(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: decoding snapshot %s: %s", ErrSnapshot, id, err)
		}
		return snap, st, nil
	}

	if snap.BaseSnapshotID == "" {
		return nil, nil, fmt.Errorf("%w: incremental snapshot %s has no base", ErrSnapshot, id)
	}
	baseSnap, baseState, err := m.reconstruct(ctx, snap.BaseSnapshotID, visited)
	if err != nil {
		return nil, nil, err
	}
	if baseSnap.Timestamp >= snap.Timestamp {
		return nil, nil, fmt.Errorf("%w: snapshot %s based on %s which is not older", ErrSnapshot, id, baseSnap.ID)
	}

	delta, err := state.UnmarshalDelta(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding delta of %s: %s", ErrSnapshot, id, err)
	}
	return snap, state.ApplyDelta(baseState, delta), nil
}

// payload fetches a snapshot's uncompressed bytes, verifying the checksum
// when validation is on.
func (m *Manager) payload(ctx context.Context, id string) (*model.Snapshot, []byte, error) {
	snap, blob, err := m.store.GetSnapshot(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	raw := blob
	if snap.Compressed {
		raw, err = model.Decompress(blob)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: decompressing snapshot %s: %s", ErrSnapshot, id, err)
		}
	}
	if m.cfg.ChecksumValidation && model.Checksum(raw) != snap.Checksum {
		metricChecksumFailures.Inc()
		return nil, nil, fmt.Errorf("%w: checksum mismatch on snapshot %s", ErrSnapshot, id)
	}
	return snap, raw, nil
}

// Comparison is what Compare returns: both snapshots, the state delta from
// the first to the second and the total touched entries.
type Comparison struct {
	From    *model.Snapshot `json:"from"`
	To      *model.Snapshot `json:"to"`
	Delta   *state.Delta    `json:"delta"`
	Changes int             `json:"changes"`
}

// Compare restores both snapshots and diffs their states.
func (m *Manager) Compare(ctx context.Context, fromID, toID string) (*Comparison, error) {
	fromSnap, fromState, err := m.reconstruct(ctx, fromID, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	toSnap, toState, err := m.reconstruct(ctx, toID, map[string]struct{}{})
	if err != nil {
		return nil, err
	}

	delta := state.ComputeDelta(fromState, toState)
	return &Comparison{
		From:    fromSnap,
		To:      toSnap,
		Delta:   delta,
		Changes: delta.ChangeCount(),
	}, nil
}

// bundleVersion is bumped when the archive layout changes.
const bundleVersion = 1

// Bundle is the portable archive of a session's snapshots. Payloads are
// the stored blobs verbatim, compression included.
type Bundle struct {
	Version    int           `json:"version"`
	SessionID  string        `json:"sessionId"`
	ExportedAt int64         `json:"exportedAt"`
	Snapshots  []BundleEntry `json:"snapshots"`
}

// BundleEntry pairs one snapshot's metadata with its payload blob.
type BundleEntry struct {
	Snapshot *model.Snapshot `json:"snapshot"`
	Payload  []byte          `json:"payload"`
}

// Export bundles every snapshot of a session, oldest first.
func (m *Manager) Export(ctx context.Context, sessionID string) (*Bundle, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("please provide a session")
	}

	snaps, err := m.store.SearchSnapshots(ctx, tracedb.SnapshotQuery{SessionID: sessionID, SortAsc: true})
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		Version:    bundleVersion,
		SessionID:  sessionID,
		ExportedAt: time.Now().UnixMilli(),
		Snapshots:  make([]BundleEntry, len(snaps)),
	}

	// payloads are fetched concurrently; entries keep the search order
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(exportConcurrency)
	for i, snap := range snaps {
		g.Go(func() error {
			_, blob, err := m.store.GetSnapshot(gctx, snap.ID)
			if err != nil {
				return err
			}
			bundle.Snapshots[i] = BundleEntry{Snapshot: snap, Payload: blob}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	metricExported.Add(float64(len(bundle.Snapshots)))
	return bundle, nil
}

// Import admits bundle entries one by one; a bad record is reported and
// skipped, never aborting the rest of the bundle.
func (m *Manager) Import(ctx context.Context, bundle *Bundle, opts ImportOptions) (*api.ImportResult, error) {
	if bundle == nil {
		return nil, fmt.Errorf("%w: empty bundle", ErrSnapshot)
	}
	if bundle.Version != bundleVersion {
		return nil, fmt.Errorf("%w: unsupported bundle version %d", ErrSnapshot, bundle.Version)
	}

	res := &api.ImportResult{}
	for _, entry := range bundle.Snapshots {
		snap := entry.Snapshot
		if snap == nil || snap.ID == "" {
			res.Errors = append(res.Errors, "bundle entry without snapshot metadata")
			continue
		}

		if !opts.Overwrite {
			exists, err := m.store.HasSnapshot(ctx, snap.ID)
			if err != nil {
				return res, err
			}
			if exists {
				res.Skipped++
				continue
			}
		}

		if opts.ValidateIntegrity {
			raw := entry.Payload
			if snap.Compressed {
				var err error
				raw, err = model.Decompress(entry.Payload)
				if err != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("snapshot %s: %s", snap.ID, err))
					continue
				}
			}
			if model.Checksum(raw) != snap.Checksum {
				metricChecksumFailures.Inc()
				res.Errors = append(res.Errors, fmt.Sprintf("snapshot %s: checksum mismatch", snap.ID))
				continue
			}
		}

		if err := m.store.StoreSnapshot(ctx, snap, entry.Payload); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("snapshot %s: %s", snap.ID, err))
			continue
		}
		res.Imported++
	}

	metricImported.Add(float64(res.Imported))
	level.Info(m.logger).Log("msg", "snapshot import done", "session", bundle.SessionID,
		"imported", res.Imported, "skipped", res.Skipped, "errors", len(res.Errors))
	return res, nil
}

// StartAutomatic begins periodic capture of a session. Idempotent per
// session; loops stop on StopAutomatic or service shutdown.
func (m *Manager) StartAutomatic(sessionID string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, running := m.auto[sessionID]; running {
		return
	}
	stop := make(chan struct{})
	m.auto[sessionID] = stop

	m.wg.Add(1)
	go m.automaticLoop(sessionID, stop)
}

// StopAutomatic ends periodic capture of a session.
func (m *Manager) StopAutomatic(sessionID string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if stop, running := m.auto[sessionID]; running {
		close(stop)
		delete(m.auto, sessionID)
	}
}

func (m *Manager) automaticLoop(sessionID string, stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.AutomaticInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.captureAutomatic(sessionID)
		case <-stop:
			return
		}
	}
}

func (m *Manager) captureAutomatic(sessionID string) {
	if m.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CreateTimeout)
	defer cancel()

	st, err := m.provider.Reconstruct(ctx, sessionID, time.Now().UnixMilli())
	if err != nil {
		metricAutomaticFailures.Inc()
		level.Warn(m.logger).Log("msg", "automatic capture failed", "session", sessionID, "err", err)
		return
	}
	if _, err := m.Create(ctx, sessionID, st, CreateOptions{Description: "automatic"}); err != nil {
		metricAutomaticFailures.Inc()
		level.Warn(m.logger).Log("msg", "automatic capture failed", "session", sessionID, "err", err)
	}
}

func (m *Manager) doRetention(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.MaxRetention).UnixMilli()

	deleted, err := m.store.SweepSnapshots(ctx, cutoff, m.cfg.MaxSnapshotsPerSession)
	if err != nil {
		level.Error(m.logger).Log("msg", "snapshot retention sweep failed", "err", err)
		return
	}
	if deleted > 0 {
		level.Info(m.logger).Log("msg", "snapshot retention sweep", "deleted", deleted)
	}
}

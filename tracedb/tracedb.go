// Package tracedb is the durable store: sessions, events and snapshots in a
// single sqlite database. Events are persisted as canonical JSON bytes next
// to the columns the time and agent indexes need.
package tracedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hindsightlabs/hindsight/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrStorage wraps every failure of the underlying database.
	ErrStorage = errors.New("STORAGE_ERROR")
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("NOT_FOUND")
)

// Reader is the query side of the store.
type Reader interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context) ([]*model.Session, error)
	GetTrace(ctx context.Context, id string) (*model.Event, error)
	GetTracesBySession(ctx context.Context, sessionID string, p SearchParams) ([]*model.Event, error)
	GetTracesByAgent(ctx context.Context, agentID string, p SearchParams) ([]*model.Event, error)
	GetTracesByTimeRange(ctx context.Context, tr model.TimeRange, agentIDs []string) ([]*model.Event, error)
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, []byte, error)
	HasSnapshot(ctx context.Context, id string) (bool, error)
	FindNearestSnapshot(ctx context.Context, sessionID string, ts int64) (*model.Snapshot, error)
	SearchSnapshots(ctx context.Context, q SnapshotQuery) ([]*model.Snapshot, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Writer is the mutation side of the store.
type Writer interface {
	CreateSession(ctx context.Context, name string, metadata map[string]any) (string, error)
	CloseSession(ctx context.Context, id string, status model.SessionStatus) error
	UpdateSessionOnEvents(ctx context.Context, sessionID string) error
	StoreBatch(ctx context.Context, events []*model.Event) error
	StoreSnapshot(ctx context.Context, snap *model.Snapshot, payload []byte) error
	DeleteSnapshot(ctx context.Context, id string) error
	SweepSnapshots(ctx context.Context, olderThan int64, maxPerSession int) (int64, error)
}

// SearchParams narrows event queries. Zero values are unconstrained.
type SearchParams struct {
	TimeRange *model.TimeRange
	Types     []model.EventType
	Limit     int

	// Descending flips the (timestamp, id) order, so Limit keeps the most
	// recent events instead of the oldest.
	Descending bool
}

// SnapshotQuery narrows snapshot searches. Tags require all listed tags to
// be present on a match.
type SnapshotQuery struct {
	SessionID string
	Tags      []string
	TimeRange *model.TimeRange
	Type      model.SnapshotType
	SortAsc   bool
	Limit     int
	Offset    int
}

// Stats summarizes what the store holds.
type Stats struct {
	SessionCount  int64 `json:"sessionCount"`
	TraceCount    int64 `json:"traceCount"`
	SnapshotCount int64 `json:"snapshotCount"`
	TotalBytes    int64 `json:"totalBytes"`
}

// DB implements Reader and Writer over one sqlite file.
type DB struct {
	cfg    *Config
	logger log.Logger
	db     *sql.DB
}

// New opens (creating if needed) the database and ensures the schema.
func New(cfg *Config, logger log.Logger) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	handle, err := sql.Open("sqlite3", cfg.connectionURI())
	if err != nil {
		return nil, fmt.Errorf("opening trace database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		handle.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := createSchema(context.Background(), handle); err != nil {
		_ = handle.Close()
		return nil, err
	}

	level.Info(logger).Log("msg", "trace database opened", "path", cfg.Path)
	return &DB{
		cfg:    cfg,
		logger: logger,
		db:     handle,
	}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %s", ErrStorage, op, err)
}

// CreateSession inserts a new active session and returns its monotonic id.
func (d *DB) CreateSession(ctx context.Context, name string, metadata map[string]any) (string, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", storageErr("encoding session metadata", err)
	}

	res, err := d.db.ExecContext(ctx,
		`INSERT INTO sessions (name, start_time, status, metadata) VALUES (?, ?, ?, ?)`,
		name, time.Now().UnixMilli(), string(model.SessionActive), string(meta))
	if err != nil {
		return "", storageErr("creating session", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return "", storageErr("reading session id", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// CloseSession marks a session completed or errored and stamps its end time.
func (d *DB) CloseSession(ctx context.Context, id string, status model.SessionStatus) error {
	if status != model.SessionCompleted && status != model.SessionError {
		return fmt.Errorf("%w: closing session with status %q", ErrStorage, status)
	}

	res, err := d.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, end_time = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return storageErr("closing session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}

// UpdateSessionOnEvents recomputes a session's event and agent counters
// from the events table. StoreBatch keeps them current; this is for import
// and repair paths.
func (d *DB) UpdateSessionOnEvents(ctx context.Context, sessionID string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE sessions SET
			event_count = (SELECT COUNT(*) FROM events WHERE session_id = ?),
			agent_count = (SELECT COUNT(DISTINCT agent_id) FROM events WHERE session_id = ? AND agent_id != '')
		WHERE id = ?`,
		sessionID, sessionID, sessionID)
	if err != nil {
		return storageErr("updating session counters", err)
	}
	return nil
}

func (d *DB) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, name, start_time, end_time, status, agent_count, event_count, metadata
		 FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("reading session", err)
	}
	return s, nil
}

func (d *DB) ListSessions(ctx context.Context) ([]*model.Session, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, start_time, end_time, status, agent_count, event_count, metadata
		 FROM sessions ORDER BY id ASC`)
	if err != nil {
		return nil, storageErr("listing sessions", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("reading session", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("listing sessions", err)
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.Session, error) {
	var (
		id       int64
		endTime  sql.NullInt64
		metaJSON string
		s        model.Session
	)
	err := row.Scan(&id, &s.Name, &s.StartTime, &endTime, &s.Status, &s.AgentCount, &s.EventCount, &metaJSON)
	if err != nil {
		return nil, err
	}
	s.ID = strconv.FormatInt(id, 10)
	if endTime.Valid {
		s.EndTime = &endTime.Int64
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &s.Metadata); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// StoreBatch persists a batch of events in one transaction, all or nothing,
// and keeps the owning sessions' counters current.
func (d *DB) StoreBatch(ctx context.Context, events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (id, session_id, agent_id, timestamp, type, phase, severity, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return storageErr("preparing batch", err)
	}
	defer stmt.Close()

	perSession := map[string]int{}
	for _, e := range events {
		canonical, err := model.Marshal(e)
		if err != nil {
			return storageErr("encoding event "+e.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			e.ID, e.SessionID, e.AgentID, e.Timestamp,
			string(e.Type), string(e.Phase), string(e.Severity()), canonical)
		if err != nil {
			return storageErr("inserting event "+e.ID, err)
		}
		perSession[e.SessionID]++
	}

	for sessionID, n := range perSession {
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET
				event_count = event_count + ?,
				agent_count = (SELECT COUNT(DISTINCT agent_id) FROM events WHERE session_id = ? AND agent_id != '')
			WHERE id = ?`,
			n, sessionID, sessionID)
		if err != nil {
			return storageErr("updating session "+sessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("committing batch", err)
	}

	metricBatchDuration.Observe(time.Since(start).Seconds())
	metricEventsStored.Add(float64(len(events)))
	return nil
}

func (d *DB) GetTrace(ctx context.Context, id string) (*model.Event, error) {
	var payload []byte
	err := d.db.QueryRowContext(ctx, `SELECT payload FROM events WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: trace %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("reading trace", err)
	}
	return model.Unmarshal(payload)
}

func (d *DB) GetTracesBySession(ctx context.Context, sessionID string, p SearchParams) ([]*model.Event, error) {
	query, args := eventQuery("session_id = ?", []any{sessionID}, p)
	return d.queryEvents(ctx, query, args...)
}

func (d *DB) GetTracesByAgent(ctx context.Context, agentID string, p SearchParams) ([]*model.Event, error) {
	query, args := eventQuery("agent_id = ?", []any{agentID}, p)
	return d.queryEvents(ctx, query, args...)
}

func (d *DB) GetTracesByTimeRange(ctx context.Context, tr model.TimeRange, agentIDs []string) ([]*model.Event, error) {
	p := SearchParams{TimeRange: &tr}
	where := "1 = 1"
	args := []any{}
	if len(agentIDs) > 0 {
		where = "agent_id IN (" + placeholders(len(agentIDs)) + ")"
		for _, a := range agentIDs {
			args = append(args, a)
		}
	}
	query, args := eventQuery(where, args, p)
	return d.queryEvents(ctx, query, args...)
}

// eventQuery assembles the filtered, deterministically ordered event select.
// Ordering is timestamp then id so equal-timestamp events always come back
// in the same order.
func eventQuery(where string, args []any, p SearchParams) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT payload FROM events WHERE `)
	sb.WriteString(where)

	if p.TimeRange != nil {
		if p.TimeRange.Start > 0 {
			sb.WriteString(` AND timestamp >= ?`)
			args = append(args, p.TimeRange.Start)
		}
		if p.TimeRange.End > 0 {
			sb.WriteString(` AND timestamp <= ?`)
			args = append(args, p.TimeRange.End)
		}
	}
	if len(p.Types) > 0 {
		sb.WriteString(` AND type IN (` + placeholders(len(p.Types)) + `)`)
		for _, t := range p.Types {
			args = append(args, string(t))
		}
	}

	if p.Descending {
		sb.WriteString(` ORDER BY timestamp DESC, id DESC`)
	} else {
		sb.WriteString(` ORDER BY timestamp ASC, id ASC`)
	}
	if p.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, p.Limit)
	}
	return sb.String(), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (d *DB) queryEvents(ctx context.Context, query string, args ...any) ([]*model.Event, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("querying events", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, storageErr("scanning event", err)
		}
		e, err := model.Unmarshal(payload)
		if err != nil {
			return nil, storageErr("decoding stored event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("querying events", err)
	}
	return events, nil
}

// StoreSnapshot upserts snapshot metadata plus payload. The snapshot
// manager owns id assignment; import overwrite reuses ids deliberately.
func (d *DB) StoreSnapshot(ctx context.Context, snap *model.Snapshot, payload []byte) error {
	tags := snap.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return storageErr("encoding snapshot tags", err)
	}

	var expiresAt any
	if snap.ExpiresAt != nil {
		expiresAt = *snap.ExpiresAt
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots
			(id, session_id, timestamp, type, tags, description, base_snapshot_id,
			 compressed, size, compressed_size, checksum, created_at, expires_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.SessionID, snap.Timestamp, string(snap.Type), string(tagsJSON),
		snap.Description, snap.BaseSnapshotID, boolToInt(snap.Compressed),
		snap.Size, snap.CompressedSize, snap.Checksum, snap.CreatedAt, expiresAt, payload)
	if err != nil {
		return storageErr("storing snapshot", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (d *DB) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, []byte, error) {
	row := d.db.QueryRowContext(ctx, snapshotSelect+` WHERE id = ?`, id)

	snap, payload, err := scanSnapshot(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, storageErr("reading snapshot", err)
	}
	return snap, payload, nil
}

func (d *DB) HasSnapshot(ctx context.Context, id string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM snapshots WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("probing snapshot", err)
	}
	return true, nil
}

func (d *DB) DeleteSnapshot(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return storageErr("deleting snapshot", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
	}
	return nil
}

// FindNearestSnapshot returns the latest snapshot at or before ts.
func (d *DB) FindNearestSnapshot(ctx context.Context, sessionID string, ts int64) (*model.Snapshot, error) {
	row := d.db.QueryRowContext(ctx,
		snapshotMetaSelect+` WHERE session_id = ? AND timestamp <= ?
		 ORDER BY timestamp DESC, created_at DESC LIMIT 1`,
		sessionID, ts)

	snap, _, err := scanSnapshot(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no snapshot at or before %d", ErrNotFound, ts)
	}
	if err != nil {
		return nil, storageErr("finding snapshot", err)
	}
	return snap, nil
}

func (d *DB) SearchSnapshots(ctx context.Context, q SnapshotQuery) ([]*model.Snapshot, error) {
	var sb strings.Builder
	sb.WriteString(snapshotMetaSelect)
	sb.WriteString(` WHERE 1 = 1`)
	var args []any

	if q.SessionID != "" {
		sb.WriteString(` AND session_id = ?`)
		args = append(args, q.SessionID)
	}
	if q.Type != "" {
		sb.WriteString(` AND type = ?`)
		args = append(args, string(q.Type))
	}
	if q.TimeRange != nil {
		if q.TimeRange.Start > 0 {
			sb.WriteString(` AND timestamp >= ?`)
			args = append(args, q.TimeRange.Start)
		}
		if q.TimeRange.End > 0 {
			sb.WriteString(` AND timestamp <= ?`)
			args = append(args, q.TimeRange.End)
		}
	}

	if q.SortAsc {
		sb.WriteString(` ORDER BY timestamp ASC, created_at ASC`)
	} else {
		sb.WriteString(` ORDER BY timestamp DESC, created_at DESC`)
	}

	// tag filtering happens after the scan, so limit/offset push down only
	// when no tags are requested
	if len(q.Tags) == 0 {
		if q.Limit > 0 {
			sb.WriteString(` LIMIT ?`)
			args = append(args, q.Limit)
		}
		if q.Offset > 0 {
			if q.Limit <= 0 {
				sb.WriteString(` LIMIT -1`)
			}
			sb.WriteString(` OFFSET ?`)
			args = append(args, q.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, storageErr("searching snapshots", err)
	}
	defer rows.Close()

	var snaps []*model.Snapshot
	for rows.Next() {
		snap, _, err := scanSnapshot(rows, false)
		if err != nil {
			return nil, storageErr("scanning snapshot", err)
		}
		if !hasAllTags(snap, q.Tags) {
			continue
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("searching snapshots", err)
	}

	if len(q.Tags) > 0 {
		snaps = window(snaps, q.Offset, q.Limit)
	}
	return snaps, nil
}

const (
	snapshotMetaSelect = `SELECT id, session_id, timestamp, type, tags, description,
		base_snapshot_id, compressed, size, compressed_size, checksum, created_at, expires_at
		FROM snapshots`
	snapshotSelect = `SELECT id, session_id, timestamp, type, tags, description,
		base_snapshot_id, compressed, size, compressed_size, checksum, created_at, expires_at, payload
		FROM snapshots`
)

func scanSnapshot(row scanner, withPayload bool) (*model.Snapshot, []byte, error) {
	var (
		snap           model.Snapshot
		tagsJSON       string
		typ            string
		compressed     int
		compressedSize sql.NullInt64
		expiresAt      sql.NullInt64
		payload        []byte
	)

	dest := []any{
		&snap.ID, &snap.SessionID, &snap.Timestamp, &typ, &tagsJSON, &snap.Description,
		&snap.BaseSnapshotID, &compressed, &snap.Size, &compressedSize, &snap.Checksum,
		&snap.CreatedAt, &expiresAt,
	}
	if withPayload {
		dest = append(dest, &payload)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, nil, err
	}

	snap.Type = model.SnapshotType(typ)
	snap.Compressed = compressed != 0
	if compressedSize.Valid {
		snap.CompressedSize = compressedSize.Int64
	}
	if expiresAt.Valid {
		snap.ExpiresAt = &expiresAt.Int64
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &snap.Tags); err != nil {
			return nil, nil, err
		}
	}
	return &snap, payload, nil
}

func hasAllTags(snap *model.Snapshot, want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(snap.Tags))
	for _, t := range snap.Tags {
		have[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

func window[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Stats reports record counts and payload bytes held by the store.
func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := d.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM snapshots),
			(SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM events) +
			(SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM snapshots)`).
		Scan(&s.SessionCount, &s.TraceCount, &s.SnapshotCount, &s.TotalBytes)
	if err != nil {
		return nil, storageErr("reading stats", err)
	}
	return &s, nil
}

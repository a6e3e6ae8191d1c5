package tracedb

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema: sessions own events and snapshots. Events carry the canonical
// JSON bytes plus the columns the queries index on; snapshot payloads are
// opaque blobs owned by the snapshot manager.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL,
		start_time  INTEGER NOT NULL,
		end_time    INTEGER,
		status      TEXT NOT NULL DEFAULT 'active',
		agent_count INTEGER NOT NULL DEFAULT 0,
		event_count INTEGER NOT NULL DEFAULT 0,
		metadata    TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		agent_id   TEXT NOT NULL DEFAULT '',
		timestamp  INTEGER NOT NULL,
		type       TEXT NOT NULL,
		phase      TEXT NOT NULL DEFAULT '',
		severity   TEXT NOT NULL DEFAULT 'low',
		payload    BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_agent_ts ON events(agent_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id               TEXT PRIMARY KEY,
		session_id       TEXT NOT NULL,
		timestamp        INTEGER NOT NULL,
		type             TEXT NOT NULL,
		tags             TEXT NOT NULL DEFAULT '[]',
		description      TEXT NOT NULL DEFAULT '',
		base_snapshot_id TEXT NOT NULL DEFAULT '',
		compressed       INTEGER NOT NULL DEFAULT 0,
		size             INTEGER NOT NULL,
		compressed_size  INTEGER,
		checksum         TEXT NOT NULL,
		created_at       INTEGER NOT NULL,
		expires_at       INTEGER,
		payload          BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_session_ts ON snapshots(session_id, timestamp)`,
}

func createSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

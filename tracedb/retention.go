package tracedb

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
)

// RetentionLoop watches a timer to clean up events that are past retention.
// It blocks until the context is cancelled; the storage service runs it as
// a background task.
func (d *DB) RetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RetentionPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.DoRetention(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// DoRetention performs one sweep. Events of non-active sessions strictly
// older than the cutoff are deleted; error-phase events keep the longer
// error retention. Sweep failures are counted, never fatal.
func (d *DB) DoRetention(ctx context.Context) {
	start := time.Now()
	defer func() { metricRetentionDuration.Observe(time.Since(start).Seconds()) }()

	cutoff := start.Add(-d.cfg.Retention).UnixMilli()
	errCutoff := start.Add(-d.cfg.ErrorRetention).UnixMilli()

	deleted := d.sweepEvents(ctx, `phase != 'error' AND timestamp < ?`, cutoff)
	deleted += d.sweepEvents(ctx, `phase = 'error' AND timestamp < ?`, errCutoff)
	sessions := d.sweepSessions(ctx, cutoff)

	if deleted > 0 || sessions > 0 {
		level.Info(d.logger).Log("msg", "retention sweep", "events_deleted", deleted, "sessions_deleted", sessions)
	}
}

func (d *DB) sweepEvents(ctx context.Context, where string, cutoff int64) int64 {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM events WHERE `+where+
			` AND session_id IN (SELECT id FROM sessions WHERE status != 'active')`,
		cutoff)
	if err != nil {
		level.Error(d.logger).Log("msg", "failed to sweep events", "err", err)
		metricRetentionErrors.Inc()
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metricRetentionDeleted.WithLabelValues("event").Add(float64(n))
	}
	return n
}

// sweepSessions removes closed sessions that ended before the cutoff and
// hold no remaining events or snapshots.
func (d *DB) sweepSessions(ctx context.Context, cutoff int64) int64 {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status != 'active'
			AND end_time IS NOT NULL AND end_time < ?
			AND id NOT IN (SELECT DISTINCT CAST(session_id AS INTEGER) FROM events)
			AND id NOT IN (SELECT DISTINCT CAST(session_id AS INTEGER) FROM snapshots)`,
		cutoff)
	if err != nil {
		level.Error(d.logger).Log("msg", "failed to sweep sessions", "err", err)
		metricRetentionErrors.Inc()
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metricRetentionDeleted.WithLabelValues("session").Add(float64(n))
	}
	return n
}

// SweepSnapshots deletes non-tagged snapshots older than the cutoff or past
// their expiry, then trims each session down to perSessionCap snapshots,
// oldest non-tagged first. Tagged snapshots are only ever deleted
// explicitly. Returns how many rows were removed.
func (d *DB) SweepSnapshots(ctx context.Context, olderThan int64, perSessionCap int) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM snapshots
		 WHERE type != 'tagged' AND tags = '[]'
			AND (created_at < ? OR (expires_at IS NOT NULL AND expires_at < ?))`,
		olderThan, time.Now().UnixMilli())
	if err != nil {
		metricRetentionErrors.Inc()
		return 0, storageErr("sweeping snapshots", err)
	}
	deleted, _ := res.RowsAffected()

	if perSessionCap > 0 {
		n, err := d.trimSnapshotsPerSession(ctx, perSessionCap)
		if err != nil {
			metricRetentionErrors.Inc()
			return deleted, err
		}
		deleted += n
	}

	if deleted > 0 {
		metricRetentionDeleted.WithLabelValues("snapshot").Add(float64(deleted))
	}
	return deleted, nil
}

func (d *DB) trimSnapshotsPerSession(ctx context.Context, maxPerSession int) (int64, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*) FROM snapshots GROUP BY session_id HAVING COUNT(*) > ?`, maxPerSession)
	if err != nil {
		return 0, storageErr("counting snapshots", err)
	}
	defer rows.Close()

	type overage struct {
		sessionID string
		excess    int
	}
	var over []overage
	for rows.Next() {
		var o overage
		var count int
		if err := rows.Scan(&o.sessionID, &count); err != nil {
			return 0, storageErr("counting snapshots", err)
		}
		o.excess = count - maxPerSession
		over = append(over, o)
	}
	if err := rows.Err(); err != nil {
		return 0, storageErr("counting snapshots", err)
	}

	var deleted int64
	for _, o := range over {
		res, err := d.db.ExecContext(ctx,
			`DELETE FROM snapshots WHERE id IN (
				SELECT id FROM snapshots
				WHERE session_id = ? AND type != 'tagged' AND tags = '[]'
				ORDER BY created_at ASC, timestamp ASC LIMIT ?)`,
			o.sessionID, o.excess)
		if err != nil {
			return deleted, storageErr("trimming snapshots", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

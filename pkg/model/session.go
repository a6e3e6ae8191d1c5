package model

// SessionStatus tracks the lifecycle of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// Session is a named collection of events produced by a coordinated set of
// agents over a bounded time window. Sessions are created explicitly before
// their first event.
type Session struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	StartTime  int64          `json:"startTime"`
	EndTime    *int64         `json:"endTime,omitempty"`
	Status     SessionStatus  `json:"status"`
	AgentCount int            `json:"agentCount"`
	EventCount int64          `json:"eventCount"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TimeRange is a half-open-ish window over event timestamps in ms. Start or
// End at zero means unbounded on that side. Both bounds are inclusive, which
// matches how callers phrase "events at or before t".
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Contains reports whether ts falls inside the range.
func (r TimeRange) Contains(ts int64) bool {
	if r.Start != 0 && ts < r.Start {
		return false
	}
	if r.End != 0 && ts > r.End {
		return false
	}
	return true
}

// SnapshotType distinguishes how snapshot bytes are interpreted.
type SnapshotType string

const (
	SnapshotFull        SnapshotType = "full"
	SnapshotIncremental SnapshotType = "incremental"
	SnapshotTagged      SnapshotType = "tagged"
)

// Snapshot is the metadata row of a persisted state capture. The state or
// delta bytes live next to it as a blob.
type Snapshot struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"sessionId"`
	Timestamp      int64        `json:"timestamp"`
	Type           SnapshotType `json:"type"`
	Tags           []string     `json:"tags,omitempty"`
	Description    string       `json:"description,omitempty"`
	BaseSnapshotID string       `json:"baseSnapshotId,omitempty"`
	Compressed     bool         `json:"compressed"`
	Size           int64        `json:"size"`
	CompressedSize int64        `json:"compressedSize,omitempty"`
	Checksum       string       `json:"checksum"`
	CreatedAt      int64        `json:"createdAt"`
	ExpiresAt      *int64       `json:"expiresAt,omitempty"`
}

// IsTagged reports whether the snapshot is pinned against retention. Tagged
// snapshots are only removed by an explicit delete.
func (s *Snapshot) IsTagged() bool {
	return s.Type == SnapshotTagged || len(s.Tags) > 0
}

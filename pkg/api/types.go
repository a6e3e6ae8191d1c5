package api

import (
	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/pkg/state"
	"github.com/hindsightlabs/hindsight/tracedb"
)

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Name     string                 `json:"name"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IngestResponse reports what POST /api/events did with the batch.
type IngestResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// CollectorStats is the wire form of the collector's self-measurements.
type CollectorStats struct {
	TotalEvents        uint64  `json:"totalEvents"`
	DroppedEvents      uint64  `json:"droppedEvents"`
	ErrorCount         uint64  `json:"errorCount"`
	AvgProcessingMs    float64 `json:"avgProcessingMs"`
	EventsPerSecond    float64 `json:"eventsPerSecond"`
	BufferUtilization  float64 `json:"bufferUtilization"`
	SamplingRate       float64 `json:"samplingRate"`
	CollectionOverhead float64 `json:"collectionOverhead"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Store     tracedb.Stats  `json:"store"`
	Collector CollectorStats `json:"collector"`
}

// CreateSnapshotRequest is the body of POST /api/snapshots. Timestamp zero
// means "now".
type CreateSnapshotRequest struct {
	SessionID   string   `json:"sessionId"`
	Timestamp   int64    `json:"timestamp,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
}

// SnapshotResponse pairs snapshot metadata with its reconstructed state.
type SnapshotResponse struct {
	Snapshot *model.Snapshot `json:"snapshot"`
	State    *state.State    `json:"state"`
}

// ImportResult is the body returned by POST /api/snapshots/import.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

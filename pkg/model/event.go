package model

import (
	"errors"
	"fmt"
)

// EventType is the closed set of trace event types accepted on the wire.
type EventType string

const (
	EventTypeAgentSpawn     EventType = "AGENT_SPAWN"
	EventTypeAgentDestroy   EventType = "AGENT_DESTROY"
	EventTypeTaskStart      EventType = "TASK_START"
	EventTypeTaskComplete   EventType = "TASK_COMPLETE"
	EventTypeTaskFail       EventType = "TASK_FAIL"
	EventTypeMessageSend    EventType = "MESSAGE_SEND"
	EventTypeMessageReceive EventType = "MESSAGE_RECEIVE"
	EventTypeStateChange    EventType = "STATE_CHANGE"
	EventTypeCoordination   EventType = "COORDINATION_EVENT"
	EventTypePerfMetric     EventType = "PERFORMANCE_METRIC"
)

// AllEventTypes lists every valid wire value. Order matches the wire enum.
var AllEventTypes = []EventType{
	EventTypeAgentSpawn,
	EventTypeAgentDestroy,
	EventTypeTaskStart,
	EventTypeTaskComplete,
	EventTypeTaskFail,
	EventTypeMessageSend,
	EventTypeMessageReceive,
	EventTypeStateChange,
	EventTypeCoordination,
	EventTypePerfMetric,
}

func (t EventType) IsValid() bool {
	switch t {
	case EventTypeAgentSpawn, EventTypeAgentDestroy,
		EventTypeTaskStart, EventTypeTaskComplete, EventTypeTaskFail,
		EventTypeMessageSend, EventTypeMessageReceive,
		EventTypeStateChange, EventTypeCoordination, EventTypePerfMetric:
		return true
	}
	return false
}

// Phase marks where in its lifecycle the traced operation is.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseProgress Phase = "progress"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

func (p Phase) IsValid() bool {
	switch p {
	case PhaseStart, PhaseProgress, PhaseComplete, PhaseError:
		return true
	}
	return false
}

// Severity orders events for sampling bypass and backpressure eviction.
// Critical events are never dropped by the sampler or by backpressure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the eviction order of a severity. Unknown severities rank
// lowest so malformed metadata never outlives well-formed events.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

func (s Severity) IsValid() bool {
	return s.Rank() >= 0
}

// Well-known payload keys. Recognized by the reconstructor, never required.
const (
	PayloadKeyTask         = "task"
	PayloadKeyMessage      = "message"
	PayloadKeyDecision     = "decision"
	PayloadKeyMemoryAccess = "memoryAccess"
	PayloadKeyCoordination = "coordination"
	PayloadKeyError        = "error"
	PayloadKeyPerformance  = "performance"
)

// Metadata carries the event's origin and delivery hints.
type Metadata struct {
	Source   string   `json:"source,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// PerformanceRecord is the optional per-event resource accounting block.
type PerformanceRecord struct {
	DurationMs   float64  `json:"durationMs,omitempty"`
	MemoryBytes  int64    `json:"memoryBytes,omitempty"`
	CPUMicros    int64    `json:"cpuMicros,omitempty"`
	TokenCount   *int64   `json:"tokenCount,omitempty"`
	NetLatencyMs *float64 `json:"netLatencyMs,omitempty"`
}

// Event is the atomic trace record. Events are immutable once admitted by
// the collector; the canonical byte form is produced by Marshal.
type Event struct {
	ID            string             `json:"id"`
	Timestamp     int64              `json:"timestamp"` // ms since epoch
	SessionID     string             `json:"sessionId"`
	AgentID       string             `json:"agentId,omitempty"`
	ParentID      string             `json:"parentId,omitempty"`
	CorrelationID string             `json:"correlationId,omitempty"`
	Type          EventType          `json:"type"`
	Phase         Phase              `json:"phase,omitempty"`
	Data          map[string]any     `json:"data,omitempty"`
	Metadata      *Metadata          `json:"metadata,omitempty"`
	Performance   *PerformanceRecord `json:"performance,omitempty"`

	// Extra holds unknown top-level fields verbatim so round-trips are
	// lossless for forward compatibility.
	Extra map[string]any `json:"-"`
}

// ErrInvalidEvent is returned when a decoded or collected event is missing
// required fields or carries values outside the wire enums.
var ErrInvalidEvent = errors.New("INVALID_EVENT")

// Validate checks the invariants of a fully formed event: non-empty id and
// session, positive timestamp and a known type.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidEvent)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.Phase != "" && !e.Phase.IsValid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidEvent, e.Phase)
	}
	return nil
}

// Severity returns the event's severity, defaulting to low when metadata is
// absent.
func (e *Event) Severity() Severity {
	if e.Metadata == nil || e.Metadata.Severity == "" {
		return SeverityLow
	}
	return e.Metadata.Severity
}

// IsCritical reports whether the event bypasses sampling and backpressure
// eviction.
func (e *Event) IsCritical() bool {
	return e.Severity() == SeverityCritical
}

// Clone returns a deep copy. The payload tree is copied recursively; shared
// mutable state between the collector and its sinks is not allowed.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Data = clonePayload(e.Data)
	if e.Metadata != nil {
		md := *e.Metadata
		md.Tags = append([]string(nil), e.Metadata.Tags...)
		out.Metadata = &md
	}
	if e.Performance != nil {
		perf := *e.Performance
		if e.Performance.TokenCount != nil {
			v := *e.Performance.TokenCount
			perf.TokenCount = &v
		}
		if e.Performance.NetLatencyMs != nil {
			v := *e.Performance.NetLatencyMs
			perf.NetLatencyMs = &v
		}
		out.Performance = &perf
	}
	if e.Extra != nil {
		out.Extra = clonePayload(e.Extra)
	}
	return &out
}

func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

package streaming

import (
	"github.com/hindsightlabs/hindsight/pkg/model"
)

// MessageType tags every websocket message in both directions.
type MessageType string

const (
	// client to server
	MsgSubscribeSession MessageType = "subscribe_session"
	MsgRequestHistory   MessageType = "request_history"
	MsgTimeTravel       MessageType = "time_travel"
	MsgFilterAgents     MessageType = "filter_agents"
	MsgSetBreakpoint    MessageType = "set_breakpoint"
	MsgRemoveBreakpoint MessageType = "remove_breakpoint"
	MsgHeartbeat        MessageType = "heartbeat"
	MsgAuth             MessageType = "auth"

	// server to client
	MsgConnection      MessageType = "connection"
	MsgAuthResponse    MessageType = "auth_response"
	MsgSessionInfo     MessageType = "session_info"
	MsgInitialTraces   MessageType = "initial_traces"
	MsgTraceEvent      MessageType = "trace_event"
	MsgSystemEvent     MessageType = "system_event"
	MsgHistoricalData  MessageType = "historical_data"
	MsgTimeTravelState MessageType = "time_travel_state"
	MsgError           MessageType = "error"
)

// ClientMessage is the single inbound shape. Fields beyond Type are
// populated per message type; unused ones stay zero.
type ClientMessage struct {
	Type      MessageType      `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	TimeRange *model.TimeRange `json:"time_range,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"`
	AgentIDs  []string         `json:"agent_ids,omitempty"`
	TraceID   string           `json:"trace_id,omitempty"`
	Condition string           `json:"condition,omitempty"`
	Token     string           `json:"token,omitempty"`
}

// ServerInfo is advertised once per connection.
type ServerInfo struct {
	Version      string       `json:"version"`
	Capabilities []string     `json:"capabilities"`
	Limits       ServerLimits `json:"limits"`
}

type ServerLimits struct {
	MaxMessageSize int64 `json:"max_message_size"`
	BatchSize      int   `json:"batch_size"`
}

type ConnectionMessage struct {
	Type       MessageType `json:"type"`
	ClientID   string      `json:"client_id"`
	ServerInfo ServerInfo  `json:"server_info"`
}

type AuthResponseMessage struct {
	Type          MessageType `json:"type"`
	Authenticated bool        `json:"authenticated"`
}

type SessionInfoMessage struct {
	Type    MessageType    `json:"type"`
	Session *model.Session `json:"session"`
}

type InitialTracesMessage struct {
	Type   MessageType    `json:"type"`
	Traces []*model.Event `json:"traces"`
}

type TraceEventMessage struct {
	Type MessageType  `json:"type"`
	Data *model.Event `json:"data"`
}

type SystemEventMessage struct {
	Type  MessageType    `json:"type"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// ChunkInfo positions one historical_data message inside its reply.
type ChunkInfo struct {
	Current int  `json:"current"`
	Total   int  `json:"total"`
	IsLast  bool `json:"is_last"`
}

type HistoricalDataMessage struct {
	Type      MessageType     `json:"type"`
	TimeRange model.TimeRange `json:"time_range"`
	Traces    []*model.Event  `json:"traces"`
	ChunkInfo ChunkInfo       `json:"chunk_info"`
	Total     int             `json:"total"`
}

type TimeTravelStateMessage struct {
	Type      MessageType    `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Traces    []*model.Event `json:"traces"`
	Total     int            `json:"total"`
}

// ClientMetrics rides on server heartbeats so clients can see their own
// delivery health.
type ClientMetrics struct {
	QueuedMessages  int    `json:"queued_messages"`
	QueuedBytes     int    `json:"queued_bytes"`
	SentMessages    uint64 `json:"sent_messages"`
	DroppedMessages uint64 `json:"dropped_messages"`
	Blocked         bool   `json:"blocked"`
}

type HeartbeatMessage struct {
	Type      MessageType    `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Metrics   *ClientMetrics `json:"metrics,omitempty"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// frameTypeFor maps a message type onto the binary frame tags. Batched
// payloads and heartbeats get their own tags, everything else travels as
// an event frame.
func frameTypeFor(t MessageType) model.FrameType {
	switch t {
	case MsgInitialTraces, MsgHistoricalData, MsgTimeTravelState:
		return model.FrameBatch
	case MsgHeartbeat:
		return model.FrameHeartbeat
	default:
		return model.FrameEvent
	}
}

// Package state models the derived system state of a traced multi-agent
// session and the deltas between two states. States are what snapshots
// persist and what the replay engine reconstructs.
package state

import (
	"bytes"
	"encoding/json"
)

// AgentStatus tracks where an agent is in its lifecycle.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentBusy       AgentStatus = "busy"
	AgentError      AgentStatus = "error"
	AgentTerminated AgentStatus = "terminated"
)

// TaskStatus is the task execution state machine.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Direction marks which side of a conversation a message sits on.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// AgentState is one agent as reconstructed from its events.
type AgentState struct {
	ID              string      `json:"id"`
	Status          AgentStatus `json:"status"`
	SpawnedAt       int64       `json:"spawnedAt,omitempty"`
	TerminatedAt    *int64      `json:"terminatedAt,omitempty"`
	CurrentTask     string      `json:"currentTask,omitempty"`
	TaskCount       int         `json:"taskCount,omitempty"`
	ErrorCount      int         `json:"errorCount,omitempty"`
	LastResult      any         `json:"lastResult,omitempty"`
	LastError       string      `json:"lastError,omitempty"`
	LastDecision    any         `json:"lastDecision,omitempty"`
	LastEventAt     int64       `json:"lastEventAt,omitempty"`
	CPUMicros       int64       `json:"cpuMicros,omitempty"`
	MemoryBytes     int64       `json:"memoryBytes,omitempty"`
	AvgDurationMs   float64     `json:"avgDurationMs,omitempty"`
	DurationSamples int         `json:"durationSamples,omitempty"`
}

// TaskState is one task as reconstructed from its events.
type TaskState struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agentId,omitempty"`
	Status      TaskStatus `json:"status"`
	StartedAt   int64      `json:"startedAt,omitempty"`
	CompletedAt *int64     `json:"completedAt,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// MemoryEntry is one key of the shared memory space.
type MemoryEntry struct {
	Value     any    `json:"value"`
	UpdatedAt int64  `json:"updatedAt"`
	UpdatedBy string `json:"updatedBy,omitempty"`
	Version   int    `json:"version"`
}

// Message is one entry of an agent's communication log.
type Message struct {
	EventID   string    `json:"eventId,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Direction Direction `json:"direction"`
	Content   any       `json:"content,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// ResourceState tracks coordination state for one shared resource.
type ResourceState struct {
	ID          string `json:"id"`
	Holder      string `json:"holder,omitempty"`
	AllocatedAt int64  `json:"allocatedAt,omitempty"`
	ReleasedAt  *int64 `json:"releasedAt,omitempty"`
	LastSyncAt  int64  `json:"lastSyncAt,omitempty"`
}

// State is the full derived state of a session at a point in time.
type State struct {
	Timestamp      int64                     `json:"timestamp"`
	Agents         map[string]*AgentState    `json:"agents"`
	Tasks          map[string]*TaskState     `json:"tasks"`
	Memory         map[string]*MemoryEntry   `json:"memory"`
	Communications map[string][]*Message     `json:"communications"`
	Resources      map[string]*ResourceState `json:"resources"`
}

// New returns an empty state at timestamp zero with all sub-maps allocated.
func New() *State {
	return &State{
		Agents:         map[string]*AgentState{},
		Tasks:          map[string]*TaskState{},
		Memory:         map[string]*MemoryEntry{},
		Communications: map[string][]*Message{},
		Resources:      map[string]*ResourceState{},
	}
}

// Marshal renders the canonical byte form of a state. Maps serialize with
// sorted keys, so equal states always produce identical bytes.
func Marshal(s *State) ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a state, keeping numeric payload values as json.Number
// so a decode/encode cycle is byte-stable.
func Unmarshal(b []byte) (*State, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	s := New()
	if err := dec.Decode(s); err != nil {
		return nil, err
	}
	if s.Agents == nil {
		s.Agents = map[string]*AgentState{}
	}
	if s.Tasks == nil {
		s.Tasks = map[string]*TaskState{}
	}
	if s.Memory == nil {
		s.Memory = map[string]*MemoryEntry{}
	}
	if s.Communications == nil {
		s.Communications = map[string][]*Message{}
	}
	if s.Resources == nil {
		s.Resources = map[string]*ResourceState{}
	}
	return s, nil
}

// Clone deep-copies a state so callers can hand out reconstructions without
// aliasing cached entries.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := &State{
		Timestamp:      s.Timestamp,
		Agents:         make(map[string]*AgentState, len(s.Agents)),
		Tasks:          make(map[string]*TaskState, len(s.Tasks)),
		Memory:         make(map[string]*MemoryEntry, len(s.Memory)),
		Communications: make(map[string][]*Message, len(s.Communications)),
		Resources:      make(map[string]*ResourceState, len(s.Resources)),
	}
	for id, a := range s.Agents {
		c.Agents[id] = a.clone()
	}
	for id, t := range s.Tasks {
		c.Tasks[id] = t.clone()
	}
	for k, m := range s.Memory {
		c.Memory[k] = m.clone()
	}
	for agent, msgs := range s.Communications {
		list := make([]*Message, len(msgs))
		for i, m := range msgs {
			list[i] = m.clone()
		}
		c.Communications[agent] = list
	}
	for id, r := range s.Resources {
		c.Resources[id] = r.clone()
	}
	return c
}

func (a *AgentState) clone() *AgentState {
	if a == nil {
		return nil
	}
	c := *a
	c.TerminatedAt = cloneInt64(a.TerminatedAt)
	c.LastResult = cloneAny(a.LastResult)
	c.LastDecision = cloneAny(a.LastDecision)
	return &c
}

func (t *TaskState) clone() *TaskState {
	if t == nil {
		return nil
	}
	c := *t
	c.CompletedAt = cloneInt64(t.CompletedAt)
	c.Result = cloneAny(t.Result)
	return &c
}

func (m *MemoryEntry) clone() *MemoryEntry {
	if m == nil {
		return nil
	}
	c := *m
	c.Value = cloneAny(m.Value)
	return &c
}

func (m *Message) clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Content = cloneAny(m.Content)
	return &c
}

func (r *ResourceState) clone() *ResourceState {
	if r == nil {
		return nil
	}
	c := *r
	c.ReleasedAt = cloneInt64(r.ReleasedAt)
	return &c
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = cloneAny(e)
		}
		return m
	case []any:
		l := make([]any, len(val))
		for i, e := range val {
			l[i] = cloneAny(e)
		}
		return l
	default:
		return v
	}
}

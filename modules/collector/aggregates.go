package collector

import (
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/pkg/state"
	"github.com/hindsightlabs/hindsight/pkg/util"
)

const aggregateShardCount = 16

// AgentAggregate is the collector's live view of one agent within a
// session. It is maintained inline on the admission path, independent of
// storage.
type AgentAggregate struct {
	SessionID   string            `json:"sessionId"`
	AgentID     string            `json:"agentId"`
	Status      state.AgentStatus `json:"status"`
	CurrentTask string            `json:"currentTask,omitempty"`
	TaskCount   int               `json:"taskCount"`
	FailCount   int               `json:"failCount"`
	ErrorRate   float64           `json:"errorRate"`
	SpawnedAt   int64             `json:"spawnedAt,omitempty"`
	EndTime     int64             `json:"endTime,omitempty"`

	AvgDurationMs   float64 `json:"avgDurationMs"`
	ThroughputPerMin int    `json:"throughputPerMin"`
	CPUMicros       int64   `json:"cpuMicros"`
	MemoryBytes     int64   `json:"memoryBytes"`

	durationSamples int
	events          *util.Ring[*model.Event]
}

type aggregateShard struct {
	mtx  sync.Mutex
	aggs map[string]*AgentAggregate
}

// aggregateMap shards aggregates so admission keeps lock hold times short.
// All agents of one session land on the same shard.
type aggregateMap struct {
	limit  int
	shards [aggregateShardCount]aggregateShard
}

func newAggregateMap(limit int) *aggregateMap {
	m := &aggregateMap{limit: limit}
	for i := range m.shards {
		m.shards[i].aggs = map[string]*AgentAggregate{}
	}
	return m
}

func (m *aggregateMap) shardFor(sessionID string) *aggregateShard {
	return &m.shards[xxhash.Sum64String(sessionID)%aggregateShardCount]
}

func aggregateKey(sessionID, agentID string) string {
	return sessionID + "/" + agentID
}

func (m *aggregateMap) update(e *model.Event) {
	if e.AgentID == "" {
		return
	}

	shard := m.shardFor(e.SessionID)
	shard.mtx.Lock()
	defer shard.mtx.Unlock()

	key := aggregateKey(e.SessionID, e.AgentID)
	agg, ok := shard.aggs[key]
	if !ok {
		agg = &AgentAggregate{
			SessionID: e.SessionID,
			AgentID:   e.AgentID,
			Status:    state.AgentIdle,
			events:    util.NewRing[*model.Event](m.limit),
		}
		shard.aggs[key] = agg
	}

	agg.apply(e)
	agg.events.Append(e)
}

func (agg *AgentAggregate) apply(e *model.Event) {
	switch e.Type {
	case model.EventTypeAgentSpawn:
		agg.Status = state.AgentIdle
		agg.SpawnedAt = e.Timestamp
	case model.EventTypeTaskStart:
		agg.Status = state.AgentBusy
		agg.CurrentTask = taskID(e)
	case model.EventTypeTaskComplete:
		agg.Status = state.AgentIdle
		agg.CurrentTask = ""
		agg.TaskCount++
		agg.recomputeErrorRate()
	case model.EventTypeTaskFail:
		agg.Status = state.AgentError
		agg.CurrentTask = ""
		agg.FailCount++
		agg.recomputeErrorRate()
	case model.EventTypeAgentDestroy:
		agg.Status = state.AgentTerminated
		agg.EndTime = e.Timestamp
	}

	if p := e.Performance; p != nil {
		if p.DurationMs > 0 {
			agg.durationSamples++
			agg.AvgDurationMs += (p.DurationMs - agg.AvgDurationMs) / float64(agg.durationSamples)
		}
		if p.CPUMicros > 0 {
			agg.CPUMicros = p.CPUMicros
		}
		if p.MemoryBytes > 0 {
			agg.MemoryBytes = p.MemoryBytes
		}
	}
}

func (agg *AgentAggregate) recomputeErrorRate() {
	if total := agg.TaskCount + agg.FailCount; total > 0 {
		agg.ErrorRate = float64(agg.FailCount) / float64(total)
	}
}

// taskID resolves the task handle the way producers send it: a flat
// task_id key, the nested task record, then the event id.
func taskID(e *model.Event) string {
	if id, ok := e.Data["task_id"].(string); ok && id != "" {
		return id
	}
	if task, ok := e.Data["task"].(map[string]interface{}); ok {
		if id, ok := task["taskId"].(string); ok && id != "" {
			return id
		}
	}
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.ID
}

// snapshot copies the aggregate and derives the last-minute throughput from
// the event ring.
func (agg *AgentAggregate) snapshot() AgentAggregate {
	cp := *agg
	cp.events = nil

	recent := agg.events.Items()
	if len(recent) > 0 {
		latest := recent[len(recent)-1].Timestamp
		for _, e := range recent {
			if e.Timestamp >= latest-60_000 {
				cp.ThroughputPerMin++
			}
		}
	}
	return cp
}

// Aggregate returns a copy of one agent's aggregate.
func (m *aggregateMap) Aggregate(sessionID, agentID string) (AgentAggregate, bool) {
	shard := m.shardFor(sessionID)
	shard.mtx.Lock()
	defer shard.mtx.Unlock()

	agg, ok := shard.aggs[aggregateKey(sessionID, agentID)]
	if !ok {
		return AgentAggregate{}, false
	}
	return agg.snapshot(), true
}

// SessionAggregates returns copies of every aggregate of the session.
func (m *aggregateMap) SessionAggregates(sessionID string) []AgentAggregate {
	shard := m.shardFor(sessionID)
	shard.mtx.Lock()
	defer shard.mtx.Unlock()

	var out []AgentAggregate
	for key, agg := range shard.aggs {
		if strings.HasPrefix(key, sessionID+"/") {
			out = append(out, agg.snapshot())
		}
	}
	return out
}

// RecentEvents returns the tail of the agent's event ring, oldest first.
func (m *aggregateMap) RecentEvents(sessionID, agentID string) []*model.Event {
	shard := m.shardFor(sessionID)
	shard.mtx.Lock()
	defer shard.mtx.Unlock()

	agg, ok := shard.aggs[aggregateKey(sessionID, agentID)]
	if !ok {
		return nil
	}
	return agg.events.Items()
}

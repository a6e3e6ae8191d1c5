// Package test provides event fixtures shared by package tests.
package test

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/hindsightlabs/hindsight/pkg/model"
)

// MakeEvent returns a valid event at the given timestamp.
func MakeEvent(sessionID, agentID string, ts int64, typ model.EventType) *model.Event {
	return &model.Event{
		ID:        uuid.NewString(),
		Timestamp: ts,
		SessionID: sessionID,
		AgentID:   agentID,
		Type:      typ,
		Metadata:  &model.Metadata{Source: "test", Severity: model.SeverityLow},
	}
}

// MakeBatch returns n TASK_START events, timestamps spaced 10ms apart.
func MakeBatch(n int, sessionID string) []*model.Event {
	batch := make([]*model.Event, 0, n)
	for i := 0; i < n; i++ {
		e := MakeEvent(sessionID, fmt.Sprintf("agent-%d", i%4), int64(1000+i*10), model.EventTypeTaskStart)
		e.Data = map[string]any{
			"task": map[string]any{"taskId": fmt.Sprintf("task-%d", i)},
		}
		batch = append(batch, e)
	}
	return batch
}

// MakeLifecycle returns a spawn / task start / task complete / destroy
// sequence for one agent starting at ts.
func MakeLifecycle(sessionID, agentID string, ts int64) []*model.Event {
	taskID := uuid.NewString()

	start := MakeEvent(sessionID, agentID, ts+10, model.EventTypeTaskStart)
	start.CorrelationID = taskID
	start.Phase = model.PhaseStart

	complete := MakeEvent(sessionID, agentID, ts+50, model.EventTypeTaskComplete)
	complete.CorrelationID = taskID
	complete.Phase = model.PhaseComplete
	complete.Data = map[string]any{
		"task": map[string]any{"taskId": taskID, "result": "ok"},
	}
	complete.Performance = &model.PerformanceRecord{DurationMs: 40}

	return []*model.Event{
		MakeEvent(sessionID, agentID, ts, model.EventTypeAgentSpawn),
		start,
		complete,
		MakeEvent(sessionID, agentID, ts+60, model.EventTypeAgentDestroy),
	}
}

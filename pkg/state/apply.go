package state

import (
	"github.com/hindsightlabs/hindsight/pkg/model"
)

// Apply folds one event into the state, in place. Application is total:
// unknown event types only advance the state timestamp, so replaying the
// same ordered events over the same base always lands on the same state.
func (s *State) Apply(e *model.Event) {
	if e == nil {
		return
	}
	s.Timestamp = e.Timestamp

	switch e.Type {
	case model.EventTypeAgentSpawn:
		a := s.agent(e.AgentID)
		if a == nil {
			return
		}
		a.Status = AgentIdle
		a.SpawnedAt = e.Timestamp
		a.LastEventAt = e.Timestamp

	case model.EventTypeAgentDestroy:
		a := s.agent(e.AgentID)
		if a == nil {
			return
		}
		ts := e.Timestamp
		a.Status = AgentTerminated
		a.TerminatedAt = &ts
		a.CurrentTask = ""
		a.LastEventAt = e.Timestamp

	case model.EventTypeTaskStart:
		s.applyTaskStart(e)

	case model.EventTypeTaskComplete:
		s.applyTaskComplete(e)

	case model.EventTypeTaskFail:
		s.applyTaskFail(e)

	case model.EventTypeMessageSend:
		s.applyMessageSend(e)

	case model.EventTypeMessageReceive:
		s.applyMessageReceive(e)

	case model.EventTypeStateChange:
		s.applyStateChange(e)

	case model.EventTypeCoordination:
		s.applyCoordination(e)

	case model.EventTypePerfMetric:
		s.applyPerformance(e)
	}
}

// agent returns the tracked agent, creating it on first sight. Events can
// legitimately arrive for agents whose spawn fell outside the replay range.
func (s *State) agent(id string) *AgentState {
	if id == "" {
		return nil
	}
	a, ok := s.Agents[id]
	if !ok {
		a = &AgentState{ID: id, Status: AgentIdle}
		s.Agents[id] = a
	}
	return a
}

func (s *State) taskID(e *model.Event) string {
	if task := subMap(e.Data, model.PayloadKeyTask); task != nil {
		if id := str(task["taskId"]); id != "" {
			return id
		}
	}
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.ID
}

func (s *State) applyTaskStart(e *model.Event) {
	id := s.taskID(e)
	t, ok := s.Tasks[id]
	if !ok {
		t = &TaskState{ID: id, Status: TaskPending}
		s.Tasks[id] = t
	}
	t.Status = TaskRunning
	t.AgentID = e.AgentID
	t.StartedAt = e.Timestamp

	if a := s.agent(e.AgentID); a != nil {
		a.Status = AgentBusy
		a.CurrentTask = id
		a.LastEventAt = e.Timestamp
	}
}

func (s *State) applyTaskComplete(e *model.Event) {
	id := s.taskID(e)
	t, ok := s.Tasks[id]
	if !ok {
		t = &TaskState{ID: id, AgentID: e.AgentID}
		s.Tasks[id] = t
	}
	ts := e.Timestamp
	t.Status = TaskCompleted
	t.CompletedAt = &ts
	if task := subMap(e.Data, model.PayloadKeyTask); task != nil {
		if r, ok := task["result"]; ok {
			t.Result = r
		}
	}

	if a := s.agent(e.AgentID); a != nil {
		a.Status = AgentIdle
		if a.CurrentTask == id {
			a.CurrentTask = ""
		}
		a.TaskCount++
		a.LastResult = t.Result
		a.LastEventAt = e.Timestamp
		if e.Performance != nil {
			observeDuration(a, e.Performance.DurationMs)
		}
	}
}

func (s *State) applyTaskFail(e *model.Event) {
	id := s.taskID(e)
	t, ok := s.Tasks[id]
	if !ok {
		t = &TaskState{ID: id, AgentID: e.AgentID}
		s.Tasks[id] = t
	}
	ts := e.Timestamp
	t.Status = TaskFailed
	t.CompletedAt = &ts
	if errInfo := subMap(e.Data, model.PayloadKeyError); errInfo != nil {
		t.Error = str(errInfo["message"])
	}

	if a := s.agent(e.AgentID); a != nil {
		a.Status = AgentError
		if a.CurrentTask == id {
			a.CurrentTask = ""
		}
		a.ErrorCount++
		a.LastError = t.Error
		a.LastEventAt = e.Timestamp
	}
}

// applyMessageSend logs the sender's outbound copy and an inbound copy for
// every named receiver. The matching MESSAGE_RECEIVE only logs the
// receiver's side, so emitters reporting both halves do not double-count.
func (s *State) applyMessageSend(e *model.Event) {
	msg := subMap(e.Data, model.PayloadKeyMessage)
	var content any
	if msg != nil {
		content = msg["content"]
	}

	receivers := receiverList(msg)
	for _, to := range receivers {
		if e.AgentID != "" {
			s.appendMessage(e.AgentID, &Message{
				EventID:   e.ID,
				From:      e.AgentID,
				To:        to,
				Direction: Outbound,
				Content:   content,
				Timestamp: e.Timestamp,
			})
		}
		s.appendMessage(to, &Message{
			EventID:   e.ID,
			From:      e.AgentID,
			To:        to,
			Direction: Inbound,
			Content:   content,
			Timestamp: e.Timestamp,
		})
	}
	if len(receivers) == 0 && e.AgentID != "" {
		s.appendMessage(e.AgentID, &Message{
			EventID:   e.ID,
			From:      e.AgentID,
			Direction: Outbound,
			Content:   content,
			Timestamp: e.Timestamp,
		})
	}
}

func (s *State) applyMessageReceive(e *model.Event) {
	if e.AgentID == "" {
		return
	}
	msg := subMap(e.Data, model.PayloadKeyMessage)
	var content any
	from := ""
	if msg != nil {
		content = msg["content"]
		from = str(msg["from"])
	}
	s.appendMessage(e.AgentID, &Message{
		EventID:   e.ID,
		From:      from,
		To:        e.AgentID,
		Direction: Inbound,
		Content:   content,
		Timestamp: e.Timestamp,
	})
}

func (s *State) appendMessage(agent string, m *Message) {
	if agent == "" {
		return
	}
	s.Communications[agent] = append(s.Communications[agent], m)
	if a := s.agent(agent); a != nil {
		a.LastEventAt = m.Timestamp
	}
}

func (s *State) applyStateChange(e *model.Event) {
	a := s.agent(e.AgentID)
	if a != nil {
		switch e.Phase {
		case model.PhaseStart:
			a.Status = AgentBusy
		case model.PhaseComplete:
			a.Status = AgentIdle
		case model.PhaseError:
			a.Status = AgentError
			a.ErrorCount++
		}
		a.LastEventAt = e.Timestamp
		if decision, ok := e.Data[model.PayloadKeyDecision]; ok {
			a.LastDecision = decision
		}
	}

	access := subMap(e.Data, model.PayloadKeyMemoryAccess)
	if access == nil {
		return
	}
	key := str(access["key"])
	if key == "" {
		return
	}
	switch str(access["operation"]) {
	case "write":
		entry, ok := s.Memory[key]
		if !ok {
			entry = &MemoryEntry{}
			s.Memory[key] = entry
		}
		entry.Value = access["value"]
		entry.UpdatedAt = e.Timestamp
		entry.UpdatedBy = e.AgentID
		entry.Version++
	case "delete":
		delete(s.Memory, key)
	}
	// reads do not change state
}

func (s *State) applyCoordination(e *model.Event) {
	coord := subMap(e.Data, model.PayloadKeyCoordination)
	if coord == nil {
		return
	}
	id := str(coord["resourceId"])
	if id == "" {
		return
	}
	r, ok := s.Resources[id]
	if !ok {
		r = &ResourceState{ID: id}
		s.Resources[id] = r
	}

	switch str(coord["type"]) {
	case "resource_allocation":
		r.Holder = e.AgentID
		r.AllocatedAt = e.Timestamp
		r.ReleasedAt = nil
	case "resource_release":
		ts := e.Timestamp
		r.Holder = ""
		r.ReleasedAt = &ts
	case "synchronization":
		r.LastSyncAt = e.Timestamp
	}
}

func (s *State) applyPerformance(e *model.Event) {
	a := s.agent(e.AgentID)
	if a == nil {
		return
	}
	a.LastEventAt = e.Timestamp
	perf := e.Performance
	if perf == nil {
		return
	}
	if perf.CPUMicros > 0 {
		a.CPUMicros = perf.CPUMicros
	}
	if perf.MemoryBytes > 0 {
		a.MemoryBytes = perf.MemoryBytes
	}
	if perf.DurationMs > 0 {
		observeDuration(a, perf.DurationMs)
	}
}

func observeDuration(a *AgentState, ms float64) {
	if ms <= 0 {
		return
	}
	total := a.AvgDurationMs*float64(a.DurationSamples) + ms
	a.DurationSamples++
	a.AvgDurationMs = total / float64(a.DurationSamples)
}

func subMap(data map[string]any, key string) map[string]any {
	if data == nil {
		return nil
	}
	m, _ := data[key].(map[string]any)
	return m
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// receiverList pulls the `to` field of a message payload, accepting either
// a single string or a list.
func receiverList(msg map[string]any) []string {
	if msg == nil {
		return nil
	}
	switch to := msg["to"].(type) {
	case string:
		if to == "" {
			return nil
		}
		return []string{to}
	case []any:
		out := make([]string, 0, len(to))
		for _, v := range to {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return to
	default:
		return nil
	}
}

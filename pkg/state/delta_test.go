package state

import (
	"fmt"
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
)

func TestComputeDeltaPartitions(t *testing.T) {
	from := New()
	from.Timestamp = 100
	from.Agents["keep"] = &AgentState{ID: "keep", Status: AgentIdle}
	from.Agents["change"] = &AgentState{ID: "change", Status: AgentIdle}
	from.Agents["drop-b"] = &AgentState{ID: "drop-b", Status: AgentIdle}
	from.Agents["drop-a"] = &AgentState{ID: "drop-a", Status: AgentIdle}

	to := New()
	to.Timestamp = 200
	to.Agents["keep"] = &AgentState{ID: "keep", Status: AgentIdle}
	to.Agents["change"] = &AgentState{ID: "change", Status: AgentBusy}
	to.Agents["new"] = &AgentState{ID: "new", Status: AgentIdle}

	d := ComputeDelta(from, to)
	require.EqualValues(t, 100, d.FromTimestamp)
	require.EqualValues(t, 200, d.ToTimestamp)

	require.Len(t, d.Agents.Added, 1)
	require.Contains(t, d.Agents.Added, "new")
	require.Len(t, d.Agents.Updated, 1)
	require.Contains(t, d.Agents.Updated, "change")
	require.Equal(t, []string{"drop-a", "drop-b"}, d.Agents.Removed)

	require.True(t, d.Tasks.Empty())
	require.True(t, d.Memory.Empty())
	require.Equal(t, 4, d.ChangeCount())
}

func TestComputeDeltaFiveMutations(t *testing.T) {
	from := New()
	from.Timestamp = 1000
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("agent-%03d", i)
		from.Agents[id] = &AgentState{ID: id, Status: AgentIdle, SpawnedAt: 10}
	}

	to := from.Clone()
	to.Timestamp = 2000
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("agent-%03d", i)
		to.Agents[id].Status = AgentBusy
		to.Agents[id].CurrentTask = fmt.Sprintf("task-%d", i)
	}

	d := ComputeDelta(from, to)
	require.Empty(t, d.Agents.Added)
	require.Empty(t, d.Agents.Removed)
	require.Len(t, d.Agents.Updated, 5)
	require.Equal(t, 5, d.ChangeCount())
}

func TestApplyDeltaRoundTrip(t *testing.T) {
	from := populatedState()

	to := from.Clone()
	to.Timestamp = 6000
	to.Agents["agent-1"].Status = AgentIdle
	to.Agents["agent-2"] = &AgentState{ID: "agent-2", Status: AgentIdle, SpawnedAt: 5500}
	delete(to.Tasks, "task-1")
	to.Memory["plan"].Version = 3
	to.Communications["agent-2"] = []*Message{
		{EventID: "e-9", From: "agent-1", To: "agent-2", Direction: Inbound, Timestamp: 5600},
	}
	delete(to.Resources, "gpu-0")

	d := ComputeDelta(from, to)
	rebuilt := ApplyDelta(from, d)

	if diff := deep.Equal(to, rebuilt); diff != nil {
		t.Fatalf("apply(compute(from,to)) != to: %v", diff)
	}

	// base untouched
	require.Equal(t, AgentBusy, from.Agents["agent-1"].Status)
	require.Contains(t, from.Tasks, "task-1")
}

func TestApplyDeltaEmpty(t *testing.T) {
	s := populatedState()
	d := ComputeDelta(s, s.Clone())
	require.True(t, d.Empty())

	rebuilt := ApplyDelta(s, d)
	if diff := deep.Equal(s.Clone(), rebuilt); diff != nil {
		t.Fatalf("empty delta changed state: %v", diff)
	}
}

func TestDeltaMarshalDeterministic(t *testing.T) {
	from := populatedState()
	to := from.Clone()
	to.Timestamp = 7000
	to.Agents["agent-1"].TaskCount = 4
	delete(to.Memory, "plan")

	d := ComputeDelta(from, to)

	first, err := MarshalDelta(d)
	require.NoError(t, err)
	second, err := MarshalDelta(d)
	require.NoError(t, err)
	require.Equal(t, first, second)

	back, err := UnmarshalDelta(first)
	require.NoError(t, err)
	third, err := MarshalDelta(back)
	require.NoError(t, err)
	require.Equal(t, string(first), string(third))
}

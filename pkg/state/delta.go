package state

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
)

// SectionDelta is the change set for one sub-map of a state. Updated entries
// replace the base entry wholesale; Removed keys are sorted so equal deltas
// serialize to identical bytes.
type SectionDelta[T any] struct {
	Added   map[string]T `json:"added,omitempty"`
	Updated map[string]T `json:"updated,omitempty"`
	Removed []string     `json:"removed,omitempty"`
}

// Empty reports whether the section carries no changes.
func (d SectionDelta[T]) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Size counts entries touched by the section.
func (d SectionDelta[T]) Size() int {
	return len(d.Added) + len(d.Updated) + len(d.Removed)
}

// Delta is the difference between two states of the same session.
type Delta struct {
	FromTimestamp  int64                        `json:"fromTimestamp"`
	ToTimestamp    int64                        `json:"toTimestamp"`
	Agents         SectionDelta[*AgentState]    `json:"agents,omitempty"`
	Tasks          SectionDelta[*TaskState]     `json:"tasks,omitempty"`
	Memory         SectionDelta[*MemoryEntry]   `json:"memory,omitempty"`
	Communications SectionDelta[[]*Message]     `json:"communications,omitempty"`
	Resources      SectionDelta[*ResourceState] `json:"resources,omitempty"`
}

// Empty reports whether no sub-map changed.
func (d *Delta) Empty() bool {
	return d.Agents.Empty() && d.Tasks.Empty() && d.Memory.Empty() &&
		d.Communications.Empty() && d.Resources.Empty()
}

// ChangeCount totals touched entries across all sub-maps.
func (d *Delta) ChangeCount() int {
	return d.Agents.Size() + d.Tasks.Size() + d.Memory.Size() +
		d.Communications.Size() + d.Resources.Size()
}

// MarshalDelta renders the canonical byte form of a delta, the payload of
// incremental snapshots.
func MarshalDelta(d *Delta) ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDelta decodes a delta, keeping numeric payload values as
// json.Number.
func UnmarshalDelta(b []byte) (*Delta, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	d := &Delta{}
	if err := dec.Decode(d); err != nil {
		return nil, err
	}
	return d, nil
}

// ComputeDelta diffs two states. Entries present only in `to` land in
// Added, entries present in both but not deeply equal land in Updated, and
// keys present only in `from` land in Removed.
func ComputeDelta(from, to *State) *Delta {
	return &Delta{
		FromTimestamp:  from.Timestamp,
		ToTimestamp:    to.Timestamp,
		Agents:         diffSection(from.Agents, to.Agents),
		Tasks:          diffSection(from.Tasks, to.Tasks),
		Memory:         diffSection(from.Memory, to.Memory),
		Communications: diffSection(from.Communications, to.Communications),
		Resources:      diffSection(from.Resources, to.Resources),
	}
}

func diffSection[T any](from, to map[string]T) SectionDelta[T] {
	var d SectionDelta[T]
	for k, v := range to {
		base, ok := from[k]
		switch {
		case !ok:
			if d.Added == nil {
				d.Added = map[string]T{}
			}
			d.Added[k] = v
		case !reflect.DeepEqual(base, v):
			if d.Updated == nil {
				d.Updated = map[string]T{}
			}
			d.Updated[k] = v
		}
	}
	for k := range from {
		if _, ok := to[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}
	sort.Strings(d.Removed)
	return d
}

// ApplyDelta returns a new state: base plus the delta. Added and Updated
// entries replace per key, Removed keys are dropped. The base is not
// mutated.
func ApplyDelta(base *State, d *Delta) *State {
	s := base.Clone()
	s.Timestamp = d.ToTimestamp
	applySection(s.Agents, d.Agents)
	applySection(s.Tasks, d.Tasks)
	applySection(s.Memory, d.Memory)
	applySection(s.Communications, d.Communications)
	applySection(s.Resources, d.Resources)
	return s
}

func applySection[T any](m map[string]T, d SectionDelta[T]) {
	for k, v := range d.Added {
		m[k] = v
	}
	for k, v := range d.Updated {
		m[k] = v
	}
	for _, k := range d.Removed {
		delete(m, k)
	}
}

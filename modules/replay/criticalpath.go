package replay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/tracedb"
)

const (
	// bottleneckMs is the duration above which a path event counts as a
	// bottleneck; severeMs upgrades it to high severity.
	bottleneckMs = 1000
	severeMs     = 5000

	// opportunityWindowMs buckets events for parallelization analysis.
	opportunityWindowMs = 1000
)

// PathNode is one event on the critical path.
type PathNode struct {
	EventID    string          `json:"eventId"`
	AgentID    string          `json:"agentId,omitempty"`
	Type       model.EventType `json:"type"`
	Timestamp  int64           `json:"timestamp"`
	DurationMs float64         `json:"durationMs"`
}

// Bottleneck flags a path event whose duration dominates the run.
type Bottleneck struct {
	EventID    string  `json:"eventId"`
	AgentID    string  `json:"agentId,omitempty"`
	DurationMs float64 `json:"durationMs"`
	Severity   string  `json:"severity"`
}

// Opportunity groups a path event with concurrent-window events that have
// no ancestry relation to it. Work in the same window that does not depend
// on the path could run in parallel with it.
type Opportunity struct {
	WindowStart int64    `json:"windowStart"`
	EventIDs    []string `json:"eventIds"`
}

// CriticalPath is the longest duration-weighted chain through the event
// DAG of a session, plus what the analysis found along it.
type CriticalPath struct {
	SessionID       string        `json:"sessionId"`
	EndTimestamp    int64         `json:"endTimestamp"`
	TotalDurationMs float64       `json:"totalDurationMs"`
	Path            []PathNode    `json:"path"`
	Bottlenecks     []Bottleneck  `json:"bottlenecks,omitempty"`
	Opportunities   []Opportunity `json:"opportunities,omitempty"`
}

// pathMemo is the memoized DFS result for one event: the best downstream
// total and which child continues it.
type pathMemo struct {
	total float64
	next  string
}

// CriticalPath analyzes the event DAG of a session up to tEnd. Edges
// follow ParentID; an event with a missing or absent parent is a root.
// The walk is memoized and guarded against cycles, so malformed parent
// links degrade the analysis instead of hanging it.
func (r *Replayer) CriticalPath(ctx context.Context, sessionID string, tEnd int64) (*CriticalPath, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("please provide a session")
	}

	start := time.Now()
	events, err := r.store.GetTracesBySession(ctx, sessionID, tracedb.SearchParams{
		TimeRange: &model.TimeRange{End: tEnd},
	})
	if err != nil {
		return nil, err
	}

	cp := &CriticalPath{SessionID: sessionID, EndTimestamp: tEnd}
	if len(events) == 0 {
		return cp, nil
	}

	byID := make(map[string]*model.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	children := map[string][]*model.Event{}
	var roots []*model.Event
	for _, e := range events {
		if e.ParentID == "" || byID[e.ParentID] == nil {
			roots = append(roots, e)
			continue
		}
		children[e.ParentID] = append(children[e.ParentID], e)
	}

	memo := map[string]pathMemo{}
	onStack := map[string]bool{}
	var longest func(e *model.Event) pathMemo
	longest = func(e *model.Event) pathMemo {
		if m, done := memo[e.ID]; done {
			return m
		}
		if onStack[e.ID] {
			// cycle through parent links; cut the edge
			return pathMemo{}
		}
		onStack[e.ID] = true

		best := pathMemo{total: duration(e)}
		for _, child := range children[e.ID] {
			if sub := longest(child); best.total < duration(e)+sub.total {
				best = pathMemo{total: duration(e) + sub.total, next: child.ID}
			}
		}

		delete(onStack, e.ID)
		memo[e.ID] = best
		return best
	}

	var head *model.Event
	var headMemo pathMemo
	for _, root := range roots {
		if m := longest(root); head == nil || m.total > headMemo.total {
			head, headMemo = root, m
		}
	}

	cp.TotalDurationMs = headMemo.total
	for e := head; e != nil; {
		cp.Path = append(cp.Path, PathNode{
			EventID:    e.ID,
			AgentID:    e.AgentID,
			Type:       e.Type,
			Timestamp:  e.Timestamp,
			DurationMs: duration(e),
		})
		if d := duration(e); d > bottleneckMs {
			severity := "medium"
			if d > severeMs {
				severity = "high"
			}
			cp.Bottlenecks = append(cp.Bottlenecks, Bottleneck{
				EventID:    e.ID,
				AgentID:    e.AgentID,
				DurationMs: d,
				Severity:   severity,
			})
		}
		e = byID[memo[e.ID].next]
	}

	cp.Opportunities = findOpportunities(cp.Path, events, byID)

	metricCriticalPathDuration.Observe(time.Since(start).Seconds())
	return cp, nil
}

func duration(e *model.Event) float64 {
	if e.Performance == nil {
		return 0
	}
	return e.Performance.DurationMs
}

// findOpportunities pairs each path event with same-window events that are
// neither its ancestors nor its descendants. One opportunity per window,
// event ids in (timestamp, id) order.
func findOpportunities(path []PathNode, events []*model.Event, byID map[string]*model.Event) []Opportunity {
	byWindow := map[int64][]*model.Event{}
	for _, e := range events {
		w := e.Timestamp / opportunityWindowMs * opportunityWindowMs
		byWindow[w] = append(byWindow[w], e)
	}

	found := map[int64]map[string]struct{}{}
	for _, node := range path {
		w := node.Timestamp / opportunityWindowMs * opportunityWindowMs
		for _, other := range byWindow[w] {
			if other.ID == node.EventID || related(node.EventID, other.ID, byID) {
				continue
			}
			if found[w] == nil {
				found[w] = map[string]struct{}{node.EventID: {}}
			}
			found[w][other.ID] = struct{}{}
		}
	}
	if len(found) == 0 {
		return nil
	}

	windows := make([]int64, 0, len(found))
	for w := range found {
		windows = append(windows, w)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })

	opportunities := make([]Opportunity, 0, len(windows))
	for _, w := range windows {
		ids := make([]string, 0, len(found[w]))
		for id := range found[w] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			a, b := byID[ids[i]], byID[ids[j]]
			if a.Timestamp != b.Timestamp {
				return a.Timestamp < b.Timestamp
			}
			return a.ID < b.ID
		})
		opportunities = append(opportunities, Opportunity{WindowStart: w, EventIDs: ids})
	}
	return opportunities
}

// related reports whether one event is an ancestor of the other. Parent
// walks carry a step guard so cyclic links terminate.
func related(a, b string, byID map[string]*model.Event) bool {
	return isAncestor(a, b, byID) || isAncestor(b, a, byID)
}

func isAncestor(ancestor, id string, byID map[string]*model.Event) bool {
	seen := map[string]struct{}{}
	for e := byID[id]; e != nil && e.ParentID != ""; e = byID[e.ParentID] {
		if e.ParentID == ancestor {
			return true
		}
		if _, looped := seen[e.ParentID]; looped {
			return false
		}
		seen[e.ParentID] = struct{}{}
	}
	return false
}

// Package eventfilter decides which collected events are kept. Config
// policies (type/agent/severity/tag) compile once at construction;
// programmatic predicates can be added and cleared at runtime.
package eventfilter

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/hindsightlabs/hindsight/pkg/eventfilter/config"
	"github.com/hindsightlabs/hindsight/pkg/model"
)

// Predicate is a caller-supplied accept test, ANDed after config policies.
type Predicate func(*model.Event) bool

type EventFilter struct {
	filterPolicies []filterPolicy

	mtx        sync.RWMutex
	predicates []Predicate
}

type filterPolicy struct {
	Include *matchPolicy
	Exclude *matchPolicy
}

// NewEventFilter compiles the given filter policies. Invalid policies and
// bad agent regexps fail construction.
func NewEventFilter(filterPolicies []config.FilterPolicy) (*EventFilter, error) {
	var policies []filterPolicy

	for _, policy := range filterPolicies {
		err := config.ValidateFilterPolicy(policy)
		if err != nil {
			return nil, err
		}

		include, err := compileMatchPolicy(policy.Include)
		if err != nil {
			return nil, err
		}

		exclude, err := compileMatchPolicy(policy.Exclude)
		if err != nil {
			return nil, err
		}
		p := filterPolicy{
			Include: include,
			Exclude: exclude,
		}

		if p.Include != nil || p.Exclude != nil {
			policies = append(policies, p)
		}
	}

	return &EventFilter{
		filterPolicies: policies,
	}, nil
}

// ShouldAccept returns true if the event passes every policy and every
// predicate. With no policies and no predicates all events are accepted.
func (f *EventFilter) ShouldAccept(e *model.Event) bool {
	for _, policy := range f.filterPolicies {
		if policy.Include != nil && !policy.Include.Match(e) {
			return false
		}

		if policy.Exclude != nil && policy.Exclude.Match(e) {
			return false
		}
	}

	f.mtx.RLock()
	defer f.mtx.RUnlock()
	for _, pred := range f.predicates {
		if !pred(e) {
			return false
		}
	}

	return true
}

// AddPredicate registers a runtime accept test.
func (f *EventFilter) AddPredicate(pred Predicate) {
	if pred == nil {
		return
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.predicates = append(f.predicates, pred)
}

// ClearPredicates drops all runtime predicates, leaving config policies in
// place.
func (f *EventFilter) ClearPredicates() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.predicates = nil
}

// PredicateCount reports how many runtime predicates are installed.
func (f *EventFilter) PredicateCount() int {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	return len(f.predicates)
}

// matchPolicy is one compiled PolicyMatch. Nil sets are unconstrained.
type matchPolicy struct {
	types       map[model.EventType]struct{}
	agents      map[string]struct{}
	agentRegexp []*regexp.Regexp
	minSeverity int
	tags        map[string]struct{}
}

func compileMatchPolicy(match *config.PolicyMatch) (*matchPolicy, error) {
	if match == nil {
		return nil, nil
	}

	p := &matchPolicy{minSeverity: -1}

	if len(match.EventTypes) > 0 {
		p.types = make(map[model.EventType]struct{}, len(match.EventTypes))
		for _, t := range match.EventTypes {
			typ := model.EventType(t)
			if !typ.IsValid() {
				return nil, fmt.Errorf("unknown event type %q in filter policy", t)
			}
			p.types[typ] = struct{}{}
		}
	}

	if len(match.Agents) > 0 {
		if match.MatchType == config.Regex {
			for _, a := range match.Agents {
				re, err := regexp.Compile(a)
				if err != nil {
					return nil, fmt.Errorf("invalid agent pattern %q: %w", a, err)
				}
				p.agentRegexp = append(p.agentRegexp, re)
			}
		} else {
			p.agents = make(map[string]struct{}, len(match.Agents))
			for _, a := range match.Agents {
				p.agents[a] = struct{}{}
			}
		}
	}

	if match.MinSeverity != "" {
		sev := model.Severity(match.MinSeverity)
		rank := sev.Rank()
		if rank < 0 {
			return nil, fmt.Errorf("unknown severity %q in filter policy", match.MinSeverity)
		}
		p.minSeverity = rank
	}

	if len(match.Tags) > 0 {
		p.tags = make(map[string]struct{}, len(match.Tags))
		for _, tag := range match.Tags {
			p.tags[tag] = struct{}{}
		}
	}

	return p, nil
}

// Match returns true when every configured criterion holds for the event.
func (p *matchPolicy) Match(e *model.Event) bool {
	if p.types != nil {
		if _, ok := p.types[e.Type]; !ok {
			return false
		}
	}

	if p.agents != nil {
		if _, ok := p.agents[e.AgentID]; !ok {
			return false
		}
	}
	if len(p.agentRegexp) > 0 && !p.matchAgentRegexp(e.AgentID) {
		return false
	}

	if p.minSeverity >= 0 && e.Severity().Rank() < p.minSeverity {
		return false
	}

	if p.tags != nil && !p.matchAnyTag(e) {
		return false
	}

	return true
}

func (p *matchPolicy) matchAgentRegexp(agent string) bool {
	for _, re := range p.agentRegexp {
		if re.MatchString(agent) {
			return true
		}
	}
	return false
}

func (p *matchPolicy) matchAnyTag(e *model.Event) bool {
	if e.Metadata == nil {
		return false
	}
	for _, tag := range e.Metadata.Tags {
		if _, ok := p.tags[tag]; ok {
			return true
		}
	}
	return false
}

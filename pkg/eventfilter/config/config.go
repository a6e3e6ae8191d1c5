package config

import (
	"fmt"
)

// FilterPolicy is one include/exclude rule pair applied to collected
// events. An event must match every configured Include and no Exclude to
// pass the policy.
type FilterPolicy struct {
	Include *PolicyMatch `yaml:"include"`
	Exclude *PolicyMatch `yaml:"exclude"`
}

type MatchType string

const (
	Strict MatchType = "strict"
	Regex  MatchType = "regex"
)

// PolicyMatch gives the matching criteria of one side of a policy. Empty
// lists are unconstrained; within a list membership is enough, across
// fields all configured criteria must hold. MatchType governs how Agents
// entries are compared.
type PolicyMatch struct {
	MatchType   MatchType `yaml:"match_type"`
	EventTypes  []string  `yaml:"event_types"`
	Agents      []string  `yaml:"agents"`
	MinSeverity string    `yaml:"min_severity"`
	Tags        []string  `yaml:"tags"`
}

// ValidateFilterPolicy checks a policy is well formed before compilation.
func ValidateFilterPolicy(policy FilterPolicy) error {
	if policy.Include == nil && policy.Exclude == nil {
		return fmt.Errorf("filter policy needs an include or an exclude")
	}
	if err := validatePolicyMatch(policy.Include); err != nil {
		return fmt.Errorf("invalid include policy: %w", err)
	}
	if err := validatePolicyMatch(policy.Exclude); err != nil {
		return fmt.Errorf("invalid exclude policy: %w", err)
	}
	return nil
}

func validatePolicyMatch(match *PolicyMatch) error {
	if match == nil {
		return nil
	}
	switch match.MatchType {
	case "", Strict, Regex:
	default:
		return fmt.Errorf("unknown match_type %q", match.MatchType)
	}
	if len(match.EventTypes) == 0 && len(match.Agents) == 0 &&
		match.MinSeverity == "" && len(match.Tags) == 0 {
		return fmt.Errorf("policy match has no criteria")
	}
	return nil
}

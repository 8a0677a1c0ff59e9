// Package filter evaluates the active rule set against each event.
// Evaluation is first-match-wins in ascending priority order; the rule set
// is an immutable snapshot swapped wholesale on reload, so evaluation
// never blocks on configuration changes.
package filter

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
)

// Action is what a matched rule does with the event.
type Action string

const (
	ActionAlert   Action = "alert"
	ActionDrop    Action = "drop"
	ActionTag     Action = "tag"
	ActionForward Action = "forward"
)

// Criteria is the conjunctive predicate of a rule. Nil range bounds are
// open; empty patterns match anything. Patterns are case-insensitive
// substring matches.
type Criteria struct {
	FacilityMin   *int     `json:"facility_min,omitempty"`
	FacilityMax   *int     `json:"facility_max,omitempty"`
	SeverityMin   *int     `json:"severity_min,omitempty"`
	SeverityMax   *int     `json:"severity_max,omitempty"`
	Hostname      string   `json:"hostname,omitempty"`
	Message       string   `json:"message,omitempty"`
	AppName       string   `json:"app_name,omitempty"`
	SourceAddress string   `json:"source_address,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// ActionConfig carries the action-specific parameters.
type ActionConfig struct {
	// Target names the forwarder target for ActionForward.
	Target string `json:"target,omitempty"`
	// Tags are appended for ActionTag.
	Tags []string `json:"tags,omitempty"`
	// Message overrides the alert text for ActionAlert.
	Message string `json:"message,omitempty"`
}

// Rule is one externally authored filter rule. The engine only ever
// mutates the match counters.
type Rule struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Priority     int          `json:"priority"`
	Criteria     Criteria     `json:"criteria"`
	Action       Action       `json:"action"`
	ActionConfig ActionConfig `json:"action_config"`
	IsActive     bool         `json:"is_active"`

	matchCount  atomic.Int64
	lastMatchAt atomic.Int64 // unix nanos, 0 = never
}

// Validate rejects rules the engine cannot execute.
func (r *Rule) Validate() error {
	switch r.Action {
	case ActionAlert, ActionDrop:
	case ActionTag:
		if len(r.ActionConfig.Tags) == 0 {
			return fmt.Errorf("rule %s: tag action requires tags", r.ID)
		}
	case ActionForward:
		if r.ActionConfig.Target == "" {
			return fmt.Errorf("rule %s: forward action requires a target", r.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown action %q", r.ID, r.Action)
	}
	if err := validRange(r.Criteria.FacilityMin, r.Criteria.FacilityMax, event.MaxFacility, "facility"); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if err := validRange(r.Criteria.SeverityMin, r.Criteria.SeverityMax, event.MaxSeverity, "severity"); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return nil
}

func validRange(min, max *int, upper int, field string) error {
	if min != nil && (*min < 0 || *min > upper) {
		return fmt.Errorf("%s_min %d out of range", field, *min)
	}
	if max != nil && (*max < 0 || *max > upper) {
		return fmt.Errorf("%s_max %d out of range", field, *max)
	}
	if min != nil && max != nil && *min > *max {
		return fmt.Errorf("%s range inverted", field)
	}
	return nil
}

// Matches evaluates the conjunctive criteria against the event.
func (r *Rule) Matches(ev *event.Event) bool {
	c := &r.Criteria
	if c.FacilityMin != nil && ev.Facility < *c.FacilityMin {
		return false
	}
	if c.FacilityMax != nil && ev.Facility > *c.FacilityMax {
		return false
	}
	if c.SeverityMin != nil && ev.Severity < *c.SeverityMin {
		return false
	}
	if c.SeverityMax != nil && ev.Severity > *c.SeverityMax {
		return false
	}
	if c.Hostname != "" && !containsFold(ev.Hostname, c.Hostname) {
		return false
	}
	if c.Message != "" && !containsFold(ev.Message, c.Message) {
		return false
	}
	if c.AppName != "" && !containsFold(ev.AppName, c.AppName) {
		return false
	}
	if c.SourceAddress != "" && ev.SourceAddress != c.SourceAddress {
		return false
	}
	for _, t := range c.Tags {
		if !ev.HasTag(t) {
			return false
		}
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// recordMatch bumps the rule's match counters.
func (r *Rule) recordMatch(now time.Time) {
	r.matchCount.Add(1)
	r.lastMatchAt.Store(now.UnixNano())
}

// MatchCount returns how many events the rule has matched.
func (r *Rule) MatchCount() int64 {
	return r.matchCount.Load()
}

// LastMatchAt returns the time of the last match, zero if none.
func (r *Rule) LastMatchAt() time.Time {
	ns := r.lastMatchAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ruleSet is an immutable snapshot of active rules sorted by priority.
type ruleSet struct {
	rules []*Rule
}

// byID finds a rule in the snapshot, nil if absent.
func (rs *ruleSet) byID(id string) *Rule {
	for _, r := range rs.rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// newRuleSet validates and orders the rules. Inactive rules are excluded
// from evaluation but an invalid rule anywhere rejects the whole set, so a
// partial swap can never happen.
func newRuleSet(rules []*Rule) (*ruleSet, error) {
	active := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if r.IsActive {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority < active[j].Priority
	})
	return &ruleSet{rules: active}, nil
}

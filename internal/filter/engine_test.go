package filter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
	"github.com/telhawk-systems/telhawk-syslog/internal/filter"
)

type mockAlerter struct {
	calls    int
	lastRule *filter.Rule
	lastMsg  string
}

func (m *mockAlerter) Alert(ctx context.Context, ev *event.Event, rule *filter.Rule, message string) {
	m.calls++
	m.lastRule = rule
	m.lastMsg = message
}

type mockForwarder struct {
	enqueued map[string][]*event.Event
	err      error
}

func (m *mockForwarder) Enqueue(target string, ev *event.Event) error {
	if m.err != nil {
		return m.err
	}
	if m.enqueued == nil {
		m.enqueued = make(map[string][]*event.Event)
	}
	m.enqueued[target] = append(m.enqueued[target], ev)
	return nil
}

func intptr(v int) *int { return &v }

func newEngine(t *testing.T, alerter filter.Alerter, fwd filter.Forwarder, rules ...*filter.Rule) *filter.Engine {
	t.Helper()
	e := filter.NewEngine(alerter, fwd, nil)
	require.NoError(t, e.Reload(rules))
	return e
}

func TestEngine_Process_NoRulesPassesThrough(t *testing.T) {
	e := filter.NewEngine(nil, nil, nil)

	ev := &event.Event{Severity: 3}
	out, ok := e.Process(context.Background(), ev)

	assert.True(t, ok)
	assert.Same(t, ev, out)
}

func TestEngine_Process_FirstMatchWins(t *testing.T) {
	alerter := &mockAlerter{}
	fwd := &mockForwarder{}

	lowPri := &filter.Rule{
		ID: "r1", Priority: 10, Action: filter.ActionAlert, IsActive: true,
		Criteria: filter.Criteria{SeverityMax: intptr(2)},
	}
	highPri := &filter.Rule{
		ID: "r2", Priority: 20, Action: filter.ActionForward, IsActive: true,
		Criteria:     filter.Criteria{SeverityMax: intptr(2)},
		ActionConfig: filter.ActionConfig{Target: "siem"},
	}
	// Registration order is reversed; priority order must still win.
	e := newEngine(t, alerter, fwd, highPri, lowPri)

	out, ok := e.Process(context.Background(), &event.Event{Severity: 1})

	assert.True(t, ok)
	assert.NotNil(t, out)
	assert.Equal(t, 1, alerter.calls)
	assert.Empty(t, fwd.enqueued, "second matching rule must not execute")
	assert.Equal(t, int64(1), lowPri.MatchCount())
	assert.Equal(t, int64(0), highPri.MatchCount(), "later rules are not evaluated")
	assert.False(t, lowPri.LastMatchAt().IsZero())
	assert.True(t, highPri.LastMatchAt().IsZero())
}

func TestEngine_Process_Drop(t *testing.T) {
	e := newEngine(t, nil, nil, &filter.Rule{
		ID: "drop-noise", Priority: 1, Action: filter.ActionDrop, IsActive: true,
		Criteria: filter.Criteria{AppName: "debugapp"},
	})

	out, ok := e.Process(context.Background(), &event.Event{AppName: "debugapp"})
	assert.False(t, ok)
	assert.Nil(t, out)

	out, ok = e.Process(context.Background(), &event.Event{AppName: "sshd"})
	assert.True(t, ok)
	assert.NotNil(t, out)
}

func TestEngine_Process_TagReturnsCopy(t *testing.T) {
	e := newEngine(t, nil, nil, &filter.Rule{
		ID: "tag-auth", Priority: 1, Action: filter.ActionTag, IsActive: true,
		Criteria:     filter.Criteria{AppName: "sshd"},
		ActionConfig: filter.ActionConfig{Tags: []string{"auth", "reviewed"}},
	})

	ev := &event.Event{AppName: "sshd"}
	out, ok := e.Process(context.Background(), ev)

	assert.True(t, ok)
	require.NotNil(t, out)
	assert.NotSame(t, ev, out)
	assert.True(t, out.HasTag("auth"))
	assert.True(t, out.HasTag("reviewed"))
	assert.Empty(t, ev.Tags, "original event stays unmodified")
}

func TestEngine_Process_Forward(t *testing.T) {
	fwd := &mockForwarder{}
	e := newEngine(t, nil, fwd, &filter.Rule{
		ID: "fwd-crit", Priority: 1, Action: filter.ActionForward, IsActive: true,
		Criteria:     filter.Criteria{SeverityMax: intptr(2)},
		ActionConfig: filter.ActionConfig{Target: "siem"},
	})

	ev := &event.Event{Severity: 0}
	out, ok := e.Process(context.Background(), ev)

	assert.True(t, ok)
	assert.Same(t, ev, out)
	require.Len(t, fwd.enqueued["siem"], 1)
	assert.Same(t, ev, fwd.enqueued["siem"][0])
}

func TestEngine_Process_AlertMessageOverride(t *testing.T) {
	alerter := &mockAlerter{}
	e := newEngine(t, alerter, nil, &filter.Rule{
		ID: "a1", Priority: 1, Action: filter.ActionAlert, IsActive: true,
		ActionConfig: filter.ActionConfig{Message: "disk failure pattern seen"},
	})

	e.Process(context.Background(), &event.Event{})
	assert.Equal(t, "disk failure pattern seen", alerter.lastMsg)
}

func TestEngine_Reload_InvalidSetKeepsPrevious(t *testing.T) {
	e := newEngine(t, nil, nil, &filter.Rule{
		ID: "keep", Priority: 1, Action: filter.ActionDrop, IsActive: true,
	})

	err := e.Reload([]*filter.Rule{
		{ID: "ok", Priority: 1, Action: filter.ActionDrop, IsActive: true},
		{ID: "bad", Priority: 2, Action: filter.ActionTag, IsActive: true}, // tag without tags
	})
	require.Error(t, err)

	// Previous set still active: the drop rule still fires.
	_, ok := e.Process(context.Background(), &event.Event{})
	assert.False(t, ok)
	require.Len(t, e.Rules(), 1)
	assert.Equal(t, "keep", e.Rules()[0].ID)
}

func TestEngine_Reload_KeepsCountersForSurvivingRules(t *testing.T) {
	rule := &filter.Rule{
		ID: "r1", Priority: 10, Action: filter.ActionAlert, IsActive: true,
		Criteria: filter.Criteria{SeverityMax: intptr(2)},
	}
	e := newEngine(t, &mockAlerter{}, nil, rule)

	for i := 0; i < 3; i++ {
		e.Process(context.Background(), &event.Event{Severity: 1})
	}
	require.Equal(t, int64(3), rule.MatchCount())
	lastMatch := rule.LastMatchAt()
	require.False(t, lastMatch.IsZero())

	// A periodic re-apply rebuilds the rules from scratch; the counters
	// must carry over by ID.
	fresh := &filter.Rule{
		ID: "r1", Priority: 10, Action: filter.ActionAlert, IsActive: true,
		Criteria: filter.Criteria{SeverityMax: intptr(2)},
	}
	other := &filter.Rule{
		ID: "r2", Priority: 20, Action: filter.ActionDrop, IsActive: true,
	}
	require.NoError(t, e.Reload([]*filter.Rule{fresh, other}))

	assert.Equal(t, int64(3), fresh.MatchCount())
	assert.Equal(t, lastMatch, fresh.LastMatchAt())
	assert.Zero(t, other.MatchCount())

	// Counting continues from the carried value.
	e.Process(context.Background(), &event.Event{Severity: 1})
	assert.Equal(t, int64(4), fresh.MatchCount())
}

func TestEngine_Reload_NewRuleIDStartsFresh(t *testing.T) {
	rule := &filter.Rule{
		ID: "old", Priority: 10, Action: filter.ActionAlert, IsActive: true,
	}
	e := newEngine(t, &mockAlerter{}, nil, rule)
	e.Process(context.Background(), &event.Event{Severity: 1})
	require.Equal(t, int64(1), rule.MatchCount())

	replacement := &filter.Rule{
		ID: "new", Priority: 10, Action: filter.ActionAlert, IsActive: true,
	}
	require.NoError(t, e.Reload([]*filter.Rule{replacement}))

	assert.Zero(t, replacement.MatchCount())
	assert.True(t, replacement.LastMatchAt().IsZero())
}

func TestEngine_Reload_ExcludesInactive(t *testing.T) {
	e := newEngine(t, nil, nil,
		&filter.Rule{ID: "on", Priority: 1, Action: filter.ActionDrop, IsActive: true},
		&filter.Rule{ID: "off", Priority: 2, Action: filter.ActionDrop, IsActive: false},
	)
	require.Len(t, e.Rules(), 1)
	assert.Equal(t, "on", e.Rules()[0].ID)
}

func TestRule_Matches(t *testing.T) {
	tests := []struct {
		name     string
		criteria filter.Criteria
		ev       event.Event
		want     bool
	}{
		{"empty criteria matches all", filter.Criteria{}, event.Event{}, true},
		{"severity in range", filter.Criteria{SeverityMin: intptr(0), SeverityMax: intptr(3)}, event.Event{Severity: 2}, true},
		{"severity above max", filter.Criteria{SeverityMax: intptr(3)}, event.Event{Severity: 5}, false},
		{"severity below min", filter.Criteria{SeverityMin: intptr(4)}, event.Event{Severity: 2}, false},
		{"facility range", filter.Criteria{FacilityMin: intptr(4), FacilityMax: intptr(4)}, event.Event{Facility: 4}, true},
		{"hostname substring fold", filter.Criteria{Hostname: "EDGE"}, event.Event{Hostname: "fw-edge-01"}, true},
		{"message substring", filter.Criteria{Message: "failed"}, event.Event{Message: "Failed password"}, true},
		{"message no match", filter.Criteria{Message: "failed"}, event.Event{Message: "accepted"}, false},
		{"source exact", filter.Criteria{SourceAddress: "10.0.0.1:514"}, event.Event{SourceAddress: "10.0.0.1:514"}, true},
		{"source exact mismatch", filter.Criteria{SourceAddress: "10.0.0.1"}, event.Event{SourceAddress: "10.0.0.1:514"}, false},
		{"all tags required", filter.Criteria{Tags: []string{"a", "b"}}, event.Event{Tags: []string{"a", "b", "c"}}, true},
		{"missing tag", filter.Criteria{Tags: []string{"a", "b"}}, event.Event{Tags: []string{"a"}}, false},
		{"conjunction fails on one", filter.Criteria{AppName: "sshd", SeverityMax: intptr(2)}, event.Event{AppName: "sshd", Severity: 6}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &filter.Rule{Criteria: tt.criteria}
			ev := tt.ev
			assert.Equal(t, tt.want, r.Matches(&ev))
		})
	}
}

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rule    *filter.Rule
		wantErr string
	}{
		{"alert ok", &filter.Rule{ID: "r", Action: filter.ActionAlert}, ""},
		{"drop ok", &filter.Rule{ID: "r", Action: filter.ActionDrop}, ""},
		{"tag needs tags", &filter.Rule{ID: "r", Action: filter.ActionTag}, "tag action requires tags"},
		{"forward needs target", &filter.Rule{ID: "r", Action: filter.ActionForward}, "forward action requires a target"},
		{"unknown action", &filter.Rule{ID: "r", Action: "explode"}, "unknown action"},
		{"severity out of range", &filter.Rule{ID: "r", Action: filter.ActionDrop,
			Criteria: filter.Criteria{SeverityMax: intptr(8)}}, "severity_max 8 out of range"},
		{"facility inverted", &filter.Rule{ID: "r", Action: filter.ActionDrop,
			Criteria: filter.Criteria{FacilityMin: intptr(5), FacilityMax: intptr(2)}}, "facility range inverted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestRule_Matches_DoesNotCount(t *testing.T) {
	// Matches is the pure predicate; only Process updates counters.
	r := &filter.Rule{Criteria: filter.Criteria{}}
	r.Matches(&event.Event{})
	assert.Equal(t, int64(0), r.MatchCount())
}

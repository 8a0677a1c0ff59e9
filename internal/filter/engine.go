package filter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
	"github.com/telhawk-systems/telhawk-syslog/internal/logging"
	"github.com/telhawk-systems/telhawk-syslog/internal/metrics"
)

// Alerter receives the alert side-channel of matched alert rules.
type Alerter interface {
	Alert(ctx context.Context, ev *event.Event, rule *Rule, message string)
}

// Forwarder enqueues events for delivery to a named target.
type Forwarder interface {
	Enqueue(target string, ev *event.Event) error
}

// Engine evaluates the active rule set against events. The rule set is
// held behind an atomic pointer; Reload builds a fresh snapshot and swaps
// it in whole.
type Engine struct {
	rules     atomic.Pointer[ruleSet]
	alerter   Alerter
	forwarder Forwarder
	logger    *logging.Logger
}

// NewEngine creates an engine with an empty rule set.
func NewEngine(alerter Alerter, forwarder Forwarder, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		alerter:   alerter,
		forwarder: forwarder,
		logger:    logger.With(logging.Component("filter")),
	}
	e.rules.Store(&ruleSet{})
	return e
}

// Reload validates and swaps in a new rule set. On error the previous set
// stays active. Rules that survive the reload keep their match counters:
// a periodic re-apply of an unchanged configuration must not zero the
// stats.
func (e *Engine) Reload(rules []*Rule) error {
	rs, err := newRuleSet(rules)
	if err != nil {
		return err
	}
	prev := e.rules.Load()
	for _, r := range rs.rules {
		if old := prev.byID(r.ID); old != nil {
			r.matchCount.Store(old.matchCount.Load())
			r.lastMatchAt.Store(old.lastMatchAt.Load())
		}
	}
	e.rules.Store(rs)
	e.logger.Info("rule set reloaded", logging.Count(int64(len(rs.rules))))
	return nil
}

// Rules returns the rules in the active snapshot, in evaluation order.
func (e *Engine) Rules() []*Rule {
	return e.rules.Load().rules
}

// Process evaluates the event and executes exactly one action: that of
// the first matching rule. It returns the event to pass downstream (a
// tagged copy when a tag rule matched) and false when the event was
// dropped. Only the matched rule's counters are touched; later rules are
// never evaluated for this event.
func (e *Engine) Process(ctx context.Context, ev *event.Event) (*event.Event, bool) {
	rs := e.rules.Load()
	for _, r := range rs.rules {
		if !r.Matches(ev) {
			continue
		}
		r.recordMatch(time.Now())
		metrics.RuleMatches.WithLabelValues(string(r.Action)).Inc()

		switch r.Action {
		case ActionAlert:
			if e.alerter != nil {
				e.alerter.Alert(ctx, ev, r, r.ActionConfig.Message)
			}
			return ev, true

		case ActionDrop:
			// The event is already durably stored; drop only stops it
			// from reaching forwarding and the live bus.
			return nil, false

		case ActionTag:
			cp := ev.Clone()
			for _, t := range r.ActionConfig.Tags {
				cp.AddTag(t)
			}
			return cp, true

		case ActionForward:
			if e.forwarder != nil {
				if err := e.forwarder.Enqueue(r.ActionConfig.Target, ev); err != nil {
					e.logger.Warn("forward enqueue failed",
						logging.RuleID(r.ID),
						logging.Target(r.ActionConfig.Target),
						logging.Error(err))
				}
			}
			return ev, true
		}
	}
	return ev, true
}

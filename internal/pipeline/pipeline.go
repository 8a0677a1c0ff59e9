// Package pipeline wires the processing stages together: raw messages
// flow from the listeners through parse and classify, then fan out to the
// retention store and the filter engine over bounded queues. Every
// handoff is non-blocking; a full queue drops and counts so the network
// path never stalls on downstream work.
//
// Per-source ordering is preserved end to end: each stage runs a single
// worker, so events keep their arrival order through parse, store and
// filter. Parallelism comes from the stages running concurrently with the
// listeners and each other.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/classify"
	"github.com/telhawk-systems/telhawk-syslog/internal/event"
	"github.com/telhawk-systems/telhawk-syslog/internal/filter"
	"github.com/telhawk-systems/telhawk-syslog/internal/listener"
	"github.com/telhawk-systems/telhawk-syslog/internal/logging"
	"github.com/telhawk-systems/telhawk-syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/internal/parser"
	"github.com/telhawk-systems/telhawk-syslog/internal/retention"
	"github.com/telhawk-systems/telhawk-syslog/internal/source"
)

// EventPublisher is the live-bus surface. Publish must never block.
type EventPublisher interface {
	Publish(ctx context.Context, ev *event.Event)
}

// Config sizes the internal queues.
type Config struct {
	ParseQueueSize  int
	StoreQueueSize  int
	FilterQueueSize int

	// TagBeforeStore applies tag-rule mutations before the durable write
	// instead of to forwarding-time copies. Off by default: the event is
	// stored first and tags only affect downstream copies.
	TagBeforeStore bool
}

func (c Config) withDefaults() Config {
	if c.ParseQueueSize <= 0 {
		c.ParseQueueSize = 10000
	}
	if c.StoreQueueSize <= 0 {
		c.StoreQueueSize = 10000
	}
	if c.FilterQueueSize <= 0 {
		c.FilterQueueSize = 10000
	}
	return c
}

// rawMessage is one complete message as received off the wire.
type rawMessage struct {
	sourceAddr string
	transport  string
	raw        []byte
	receivedAt time.Time
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Accepted        int64 `json:"accepted"`
	ParseRejected   int64 `json:"parse_rejected"`
	OverflowDropped int64 `json:"overflow_dropped"`
	StoreDropped    int64 `json:"store_dropped"`
	FilterDropped   int64 `json:"filter_dropped"`
	StoreErrors     int64 `json:"store_errors"`
}

// Pipeline owns the stage workers and queues.
type Pipeline struct {
	cfg        Config
	parser     *parser.Parser
	classifier *classify.Classifier
	store      *retention.Store
	engine     *filter.Engine
	bus        EventPublisher
	tracker    *source.Tracker
	logger     *logging.Logger

	rawQueue    chan rawMessage
	storeQueue  chan *event.Event
	filterQueue chan *event.Event

	accepted        atomic.Int64
	parseRejected   atomic.Int64
	overflowDropped atomic.Int64
	storeDropped    atomic.Int64
	filterDropped   atomic.Int64
	storeErrors     atomic.Int64

	// mu makes intake and queue close mutually exclusive: Submit sends
	// under the read lock, Shutdown closes rawQueue under the write lock,
	// so a send can never hit a closed channel.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New assembles a pipeline. bus and tracker may be nil.
func New(cfg Config, p *parser.Parser, c *classify.Classifier, store *retention.Store,
	engine *filter.Engine, bus EventPublisher, tracker *source.Tracker, logger *logging.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &Pipeline{
		cfg:         cfg,
		parser:      p,
		classifier:  c,
		store:       store,
		engine:      engine,
		bus:         bus,
		tracker:     tracker,
		logger:      logger.With(logging.Component("pipeline")),
		rawQueue:    make(chan rawMessage, cfg.ParseQueueSize),
		storeQueue:  make(chan *event.Event, cfg.StoreQueueSize),
		filterQueue: make(chan *event.Event, cfg.FilterQueueSize),
	}
}

// Sink returns a listener sink bound to a transport label.
func (p *Pipeline) Sink(transport string) listener.Sink {
	return &sink{p: p, transport: transport}
}

type sink struct {
	p         *Pipeline
	transport string
}

// Submit implements listener.Sink with a strict non-blocking push.
func (s *sink) Submit(sourceAddr string, raw []byte, receivedAt time.Time) bool {
	p := s.p
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.rawQueue <- rawMessage{sourceAddr: sourceAddr, transport: s.transport, raw: raw, receivedAt: receivedAt}:
		metrics.QueueDepth.WithLabelValues("parse").Set(float64(len(p.rawQueue)))
		return true
	default:
		p.overflowDropped.Add(1)
		return false
	}
}

// Run starts the stage workers. It returns immediately; use Shutdown to
// stop.
func (p *Pipeline) Run(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.parseLoop(ctx)
	}()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.storeLoop(ctx)
	}()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.filterLoop(ctx)
	}()
}

// Shutdown stops intake, drains the in-flight queues and waits up to
// grace for the workers to finish. Remaining items past the grace period
// are abandoned with the queues.
func (p *Pipeline) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.rawQueue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn("grace period elapsed, abandoning queued events")
	}
}

// parseLoop decodes raw messages and fans the events out.
func (p *Pipeline) parseLoop(ctx context.Context) {
	defer close(p.storeQueue)
	defer close(p.filterQueue)

	for msg := range p.rawQueue {
		ev, err := p.parser.Parse(msg.raw, msg.sourceAddr, msg.receivedAt)
		if err != nil {
			p.parseRejected.Add(1)
			metrics.ParseRejected.Inc()
			continue
		}
		metrics.EventsParsed.WithLabelValues(string(ev.Format)).Inc()
		if ev.ParseWarning {
			metrics.ParseWarnings.Inc()
		}

		p.classifier.Classify(ev)
		p.accepted.Add(1)

		if p.tracker != nil {
			// Best-effort activity tracking, off the critical section.
			p.tracker.Observe(msg.sourceAddr, msg.transport, len(msg.raw))
		}

		stored := ev
		if p.cfg.TagBeforeStore {
			// Pre-store tagging: run tag rules against the event before
			// the durable write so stored copies carry the tags too.
			stored = p.applyPreStoreTags(ev)
		}

		select {
		case p.storeQueue <- stored:
		default:
			p.storeDropped.Add(1)
		}
		select {
		case p.filterQueue <- stored:
		default:
			p.filterDropped.Add(1)
		}
	}
}

// applyPreStoreTags runs only the tagging side of rule evaluation so that
// a tag rule's output lands in the stored copy. The full evaluation (with
// its single executed action and counters) still happens in filterLoop.
func (p *Pipeline) applyPreStoreTags(ev *event.Event) *event.Event {
	for _, r := range p.engine.Rules() {
		if r.Action != filter.ActionTag || !r.Matches(ev) {
			continue
		}
		for _, t := range r.ActionConfig.Tags {
			ev.AddTag(t)
		}
		break
	}
	return ev
}

// storeLoop performs the mandatory-durable append for each event.
func (p *Pipeline) storeLoop(ctx context.Context) {
	for ev := range p.storeQueue {
		if err := p.store.Append(ctx, ev); err != nil {
			// The event stays retained in memory; the durable write
			// failure is counted, never silently swallowed.
			p.storeErrors.Add(1)
			p.logger.Warn("durable append failed", logging.EventID(ev.ID), logging.Error(err))
		}
	}
}

// filterLoop evaluates rules and publishes surviving events to the live
// bus.
func (p *Pipeline) filterLoop(ctx context.Context) {
	for ev := range p.filterQueue {
		out, pass := p.engine.Process(ctx, ev)
		if !pass {
			continue
		}
		if p.bus != nil {
			p.bus.Publish(ctx, out)
		}
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Accepted:        p.accepted.Load(),
		ParseRejected:   p.parseRejected.Load(),
		OverflowDropped: p.overflowDropped.Load(),
		StoreDropped:    p.storeDropped.Load(),
		FilterDropped:   p.filterDropped.Load(),
		StoreErrors:     p.storeErrors.Load(),
	}
}

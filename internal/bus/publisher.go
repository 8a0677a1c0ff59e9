// Package bus publishes accepted events onto the live NATS event channel
// consumed by dashboards. Publishing is fire-and-forget behind a bounded
// queue: a full queue or a broken connection drops the event and never
// backpressures ingestion.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
	"github.com/telhawk-systems/telhawk-syslog/internal/logging"
	"github.com/telhawk-systems/telhawk-syslog/internal/metrics"
)

// DefaultSubject is the NATS subject events are published on.
const DefaultSubject = "syslog.events.live"

// Conn is the messaging surface the publisher needs from NATS.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Config holds publisher settings.
type Config struct {
	URL       string
	Subject   string
	QueueSize int
}

// Publisher owns the publish queue and its worker goroutine.
type Publisher struct {
	conn    Conn
	subject string
	queue   chan *event.Event
	logger  *logging.Logger
	done    chan struct{}

	// mu keeps Publish and Close mutually exclusive so the queue is never
	// closed under an in-flight send.
	mu     sync.RWMutex
	closed bool
}

// Connect dials NATS and returns a running publisher.
func Connect(cfg Config, logger *logging.Logger) (*Publisher, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("telhawk-syslog"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return NewPublisher(conn, cfg, logger), nil
}

// NewPublisher wraps an existing connection and starts the worker.
func NewPublisher(conn Conn, cfg Config, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}
	p := &Publisher{
		conn:    conn,
		subject: subject,
		queue:   make(chan *event.Event, size),
		logger:  logger.With(logging.Component("bus")),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish offers the event to the queue. Never blocks; a full queue drops
// by contract.
func (p *Publisher) Publish(_ context.Context, ev *event.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.BusDropped.Inc()
		return
	}
	select {
	case p.queue <- ev:
	default:
		metrics.BusDropped.Inc()
	}
}

// Close stops the worker after draining queued events. Publishes racing
// Close are dropped, not panicked. Idempotent.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		data, err := json.Marshal(ev)
		if err != nil {
			p.logger.Warn("marshal event", logging.EventID(ev.ID), logging.Error(err))
			continue
		}
		if err := p.conn.Publish(p.subject, data); err != nil {
			metrics.BusDropped.Inc()
			p.logger.Debug("publish failed", logging.Error(err))
			continue
		}
		metrics.BusPublished.Inc()
	}
}

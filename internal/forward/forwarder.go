package forward

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
	"github.com/telhawk-systems/telhawk-syslog/internal/logging"
	"github.com/telhawk-systems/telhawk-syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/internal/parser"
)

const dialTimeout = 5 * time.Second

// dialFunc opens a connection for a target. Overridable in tests.
type dialFunc func(cfg *TargetConfig) (net.Conn, error)

// target is one destination with its queue and worker state.
type target struct {
	cfg   TargetConfig
	queue chan *event.Event
	dial  dialFunc

	forwarded atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64

	mu          sync.Mutex
	conn        net.Conn
	lastError   string
	lastErrorAt time.Time

	done chan struct{}
}

// Forwarder owns the per-target workers. Targets are fully isolated:
// each has its own queue, connection and retry schedule.
type Forwarder struct {
	logger *logging.Logger

	mu      sync.RWMutex
	targets map[string]*target
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// dialOverride replaces the network dialer in tests.
	dialOverride dialFunc
}

// New creates a Forwarder with no targets.
func New(logger *logging.Logger) *Forwarder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Forwarder{
		logger:  logger.With(logging.Component("forwarder")),
		targets: make(map[string]*target),
	}
}

// Start launches workers for the current target set.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.running = true
	for _, t := range f.targets {
		f.startWorker(t)
	}
}

// Reload validates a full target configuration set and applies it:
// removed targets are stopped, new ones started, unchanged ones keep
// their queue and counters. On validation error nothing changes.
func (f *Forwarder) Reload(configs []TargetConfig) error {
	seen := make(map[string]TargetConfig, len(configs))
	for i := range configs {
		if err := configs[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[configs[i].Name]; dup {
			return fmt.Errorf("duplicate target name %q", configs[i].Name)
		}
		seen[configs[i].Name] = configs[i].withDefaults()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for name, t := range f.targets {
		cfg, keep := seen[name]
		if keep && cfg == t.cfg {
			delete(seen, name)
			continue
		}
		f.stopWorkerLocked(t)
		delete(f.targets, name)
		if !keep {
			f.logger.Info("target removed", logging.Target(name))
		}
	}

	for name, cfg := range seen {
		t := &target{
			cfg:   cfg,
			queue: make(chan *event.Event, cfg.QueueSize),
			done:  make(chan struct{}),
			dial:  f.dialOverride,
		}
		if t.dial == nil {
			t.dial = func(cfg *TargetConfig) (net.Conn, error) {
				return cfg.dial(dialTimeout)
			}
		}
		f.targets[name] = t
		f.logger.Info("target configured",
			logging.Target(name),
			logging.Transport(string(cfg.Transport)))
		if f.running {
			f.startWorker(t)
		}
	}
	return nil
}

// Enqueue appends the event to the named target's queue. The call never
// blocks: a full queue or unknown target drops and counts. The read lock
// is held across the send so a reload or Stop cannot close the queue
// under an in-flight enqueue.
func (f *Forwarder) Enqueue(name string, ev *event.Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t := f.targets[name]
	if t == nil {
		return fmt.Errorf("unknown forwarder target %q", name)
	}

	select {
	case t.queue <- ev:
		return nil
	default:
		t.dropped.Add(1)
		metrics.ForwarderDropped.WithLabelValues(name, "queue_full").Inc()
		return nil
	}
}

// Stop drains workers within the grace period, then force-closes the
// remaining connections.
func (f *Forwarder) Stop(grace time.Duration) {
	f.mu.Lock()
	f.running = false
	targets := make([]*target, 0, len(f.targets))
	for _, t := range f.targets {
		close(t.queue)
		targets = append(targets, t)
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		f.logger.Warn("grace period elapsed, force closing targets")
		if f.cancel != nil {
			f.cancel()
		}
		for _, t := range targets {
			t.closeConn()
		}
		<-done
	}
}

// Stats returns per-target counter snapshots.
func (f *Forwarder) Stats() []TargetStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]TargetStats, 0, len(f.targets))
	for _, t := range f.targets {
		t.mu.Lock()
		s := TargetStats{
			Name:        t.cfg.Name,
			QueueDepth:  len(t.queue),
			Forwarded:   t.forwarded.Load(),
			Dropped:     t.dropped.Load(),
			Errors:      t.errors.Load(),
			LastError:   t.lastError,
			LastErrorAt: t.lastErrorAt,
		}
		t.mu.Unlock()
		out = append(out, s)
	}
	return out
}

func (f *Forwarder) startWorker(t *target) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.runWorker(t)
	}()
}

// stopWorkerLocked closes the target's queue and waits for its worker.
func (f *Forwarder) stopWorkerLocked(t *target) {
	close(t.queue)
	if f.running {
		<-t.done
	}
	t.closeConn()
}

// runWorker drains the target queue until it is closed.
func (f *Forwarder) runWorker(t *target) {
	defer close(t.done)
	for ev := range t.queue {
		f.deliver(t, ev)
	}
	t.closeConn()
}

// deliver serializes and transmits one event, retrying per the target
// policy. After retries are exhausted the event is dropped and counted;
// forwarding is best-effort, never unbounded.
func (f *Forwarder) deliver(t *target, ev *event.Event) {
	payload := serialize(t.cfg.Format, ev)
	delay := t.cfg.RetryDelay

	for attempt := 0; attempt <= t.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-f.ctx.Done():
				// Shutdown aborted the retry wait; the event is gone and
				// must show up in the drop counter.
				t.dropped.Add(1)
				metrics.ForwarderDropped.WithLabelValues(t.cfg.Name, "shutdown").Inc()
				return
			}
			if t.cfg.ExponentialBackoff {
				delay *= 2
			}
		}

		err := t.send(payload)
		if err == nil {
			t.forwarded.Add(1)
			metrics.EventsForwarded.WithLabelValues(t.cfg.Name).Inc()
			return
		}

		t.errors.Add(1)
		metrics.ForwarderErrors.WithLabelValues(t.cfg.Name).Inc()
		t.recordError(err)
		t.closeConn()
	}

	t.dropped.Add(1)
	metrics.ForwarderDropped.WithLabelValues(t.cfg.Name, "retries_exhausted").Inc()
	f.logger.Warn("dropping event, retries exhausted",
		logging.Target(t.cfg.Name),
		logging.EventID(ev.ID))
}

// serialize renders the event in the target's wire format. Stream
// transports get octet-counted framing in send.
func serialize(format WireFormat, ev *event.Event) []byte {
	if format == WireStructured {
		return parser.EncodeStructured(ev)
	}
	return parser.EncodeLegacy(ev)
}

// send writes the payload, dialing lazily and framing per transport.
func (t *target) send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		conn, err := t.dial(&t.cfg)
		if err != nil {
			return fmt.Errorf("dial %s: %w", t.cfg.addr(), err)
		}
		t.conn = conn
	}

	buf := payload
	if t.cfg.Transport != TransportUDP {
		// RFC 6587 octet-counted framing on stream transports.
		buf = append([]byte(strconv.Itoa(len(payload))+" "), payload...)
	}

	if _, err := t.conn.Write(buf); err != nil {
		return fmt.Errorf("write to %s: %w", t.cfg.addr(), err)
	}
	return nil
}

func (t *target) closeConn() {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
}

func (t *target) recordError(err error) {
	t.mu.Lock()
	t.lastError = err.Error()
	t.lastErrorAt = time.Now()
	t.mu.Unlock()
}

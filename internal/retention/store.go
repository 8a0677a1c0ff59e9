// Package retention implements the capacity-bounded event store. Events
// are appended into hour-bucketed, append-only partitions; a sweep evicts
// the oldest whole partitions once the estimated size crosses the cleanup
// threshold. Eviction granularity is the partition, which keeps reclaim
// cost O(1) amortized regardless of event count.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
	"github.com/telhawk-systems/telhawk-syslog/internal/logging"
	"github.com/telhawk-systems/telhawk-syslog/internal/metrics"
)

// ErrDurableWrite wraps a backend append failure. The event stays retained
// in memory; the caller decides whether to surface or count the failure.
var ErrDurableWrite = errors.New("durable write failed")

// partitionLayout is the hour-bucket key format.
const partitionLayout = "2006-01-02-15"

// Policy is the process-wide retention configuration record.
type Policy struct {
	MaxSizeBytes            int64         `json:"max_size_bytes"`
	RetentionDays           int           `json:"retention_days"`
	CleanupThresholdPercent int           `json:"cleanup_threshold_percent"`
	SweepInterval           time.Duration `json:"sweep_interval"`
}

// Validate rejects a policy that cannot bound the store.
func (p Policy) Validate() error {
	if p.MaxSizeBytes <= 0 {
		return fmt.Errorf("max_size_bytes must be positive, got %d", p.MaxSizeBytes)
	}
	if p.CleanupThresholdPercent <= 0 || p.CleanupThresholdPercent > 100 {
		return fmt.Errorf("cleanup_threshold_percent must be in (0,100], got %d", p.CleanupThresholdPercent)
	}
	if p.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative, got %d", p.RetentionDays)
	}
	return nil
}

// threshold returns the byte size at which eviction starts.
func (p Policy) threshold() int64 {
	return p.MaxSizeBytes * int64(p.CleanupThresholdPercent) / 100
}

// Backend is the durable write contract behind the in-memory store. The
// storage engine behind it is interchangeable (relational, index-based);
// only append-only writes and whole-partition drops are required.
type Backend interface {
	AppendEvent(ctx context.Context, partitionKey string, ev *event.Event) error
	DropPartition(ctx context.Context, partitionKey string) error
}

// partition is one append-only hour bucket. Events are never mutated in
// place, so readers can snapshot the slice header under a short lock.
type partition struct {
	key   string
	start time.Time

	mu     sync.RWMutex
	events []*event.Event
	size   int64
}

func (p *partition) append(ev *event.Event, size int64) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.size += size
	p.mu.Unlock()
}

func (p *partition) snapshot() []*event.Event {
	p.mu.RLock()
	evs := p.events
	p.mu.RUnlock()
	return evs
}

// Stats is a read-only snapshot of store counters.
type Stats struct {
	CurrentSizeBytes      int64 `json:"current_size_bytes"`
	Events                int64 `json:"events"`
	Partitions            int   `json:"partitions"`
	EventsDroppedOverflow int64 `json:"events_dropped_overflow"`
}

// Store is the retention store.
type Store struct {
	policy  atomic.Pointer[Policy]
	backend Backend
	logger  *logging.Logger

	mu    sync.RWMutex
	parts []*partition // ordered oldest first
	byKey map[string]*partition

	currentSize     atomic.Int64
	eventCount      atomic.Int64
	droppedOverflow atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithBackend attaches a durable write-through backend.
func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

// New creates a Store with the given policy.
func New(policy Policy, logger *logging.Logger, opts ...Option) (*Store, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("retention policy: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{
		byKey:  make(map[string]*partition),
		logger: logger.With(logging.Component("retention")),
	}
	s.policy.Store(&policy)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Policy returns the active policy.
func (s *Store) Policy() Policy {
	return *s.policy.Load()
}

// SetPolicy swaps the active policy. The next append or sweep applies it.
func (s *Store) SetPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("retention policy: %w", err)
	}
	s.policy.Store(&policy)
	return nil
}

// Append retains the event. This is the only mandatory-durable write in
// the pipeline: a backend failure is returned (the event is still retained
// in memory), never silently swallowed. Crossing the cleanup threshold
// triggers an inline eviction of the oldest partitions.
func (s *Store) Append(ctx context.Context, ev *event.Event) error {
	size := ev.SizeEstimate()
	key := ev.ReceivedAt.UTC().Format(partitionLayout)

	part := s.getOrCreate(key, ev.ReceivedAt.UTC().Truncate(time.Hour))
	part.append(ev, size)
	s.currentSize.Add(size)
	s.eventCount.Add(1)
	metrics.RetentionSizeBytes.Set(float64(s.currentSize.Load()))
	metrics.RetentionEvents.Set(float64(s.eventCount.Load()))

	var backendErr error
	if s.backend != nil {
		if err := s.backend.AppendEvent(ctx, key, ev); err != nil {
			backendErr = fmt.Errorf("%w: %v", ErrDurableWrite, err)
		}
	}

	if s.currentSize.Load() > s.Policy().threshold() {
		s.evictOldest(ctx)
	}
	return backendErr
}

// getOrCreate returns the partition for key, creating it if needed.
func (s *Store) getOrCreate(key string, start time.Time) *partition {
	s.mu.RLock()
	part := s.byKey[key]
	s.mu.RUnlock()
	if part != nil {
		return part
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if part = s.byKey[key]; part != nil {
		return part
	}
	part = &partition{key: key, start: start}
	s.byKey[key] = part

	// Keep the slice ordered oldest first; out-of-order creation only
	// happens when device-reported receive times straddle an hour edge.
	i := len(s.parts)
	for i > 0 && s.parts[i-1].start.After(start) {
		i--
	}
	s.parts = append(s.parts, nil)
	copy(s.parts[i+1:], s.parts[i:])
	s.parts[i] = part
	return part
}

// evictOldest drops whole partitions, oldest first, until the estimated
// size is back under the cleanup threshold.
func (s *Store) evictOldest(ctx context.Context) {
	threshold := s.Policy().threshold()

	for s.currentSize.Load() > threshold {
		part := s.detachOldest()
		if part == nil {
			return
		}
		s.dropPartition(ctx, part, "capacity")
	}
}

// detachOldest removes the oldest partition from the index. Readers that
// already snapshotted its events keep them; new reads no longer see it.
func (s *Store) detachOldest() *partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.parts) == 0 {
		return nil
	}
	part := s.parts[0]
	s.parts = s.parts[1:]
	delete(s.byKey, part.key)
	return part
}

// dropPartition accounts for an already-detached partition and drops its
// durable copy.
func (s *Store) dropPartition(ctx context.Context, part *partition, reason string) {
	part.mu.RLock()
	evicted := int64(len(part.events))
	size := part.size
	part.mu.RUnlock()

	s.currentSize.Add(-size)
	s.eventCount.Add(-evicted)
	s.droppedOverflow.Add(evicted)
	metrics.RetentionSizeBytes.Set(float64(s.currentSize.Load()))
	metrics.RetentionEvents.Set(float64(s.eventCount.Load()))
	metrics.EventsEvicted.Add(float64(evicted))

	if s.backend != nil {
		if err := s.backend.DropPartition(ctx, part.key); err != nil {
			s.logger.Warn("backend partition drop failed",
				logging.Partition(part.key), logging.Error(err))
		}
	}

	s.logger.Info("evicted partition",
		logging.Partition(part.key),
		logging.Count(evicted),
		logging.Bytes(size),
		slog.String("reason", reason))
}

// Run drives the periodic sweep until ctx is cancelled. The sweep enforces
// both the size ceiling and the retention-age limit.
func (s *Store) Run(ctx context.Context) {
	interval := s.Policy().SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one eviction pass: age-expired partitions first, then
// the size ceiling.
func (s *Store) Sweep(ctx context.Context) {
	policy := s.Policy()
	if policy.RetentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -policy.RetentionDays)
		for {
			part := s.detachOlderThan(cutoff)
			if part == nil {
				break
			}
			s.dropPartition(ctx, part, "age")
		}
	}
	if s.currentSize.Load() > policy.threshold() {
		s.evictOldest(ctx)
	}
}

// detachOlderThan removes the oldest partition if it ended before cutoff.
func (s *Store) detachOlderThan(cutoff time.Time) *partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.parts) == 0 {
		return nil
	}
	part := s.parts[0]
	if !part.start.Add(time.Hour).Before(cutoff) {
		return nil
	}
	s.parts = s.parts[1:]
	delete(s.byKey, part.key)
	return part
}

// Query returns retained events with ReceivedAt in [from, to), oldest
// first, up to limit (0 means no limit). The result is a snapshot: a
// concurrent eviction or append does not disturb it.
func (s *Store) Query(from, to time.Time, limit int) []*event.Event {
	s.mu.RLock()
	parts := append([]*partition(nil), s.parts...)
	s.mu.RUnlock()

	var out []*event.Event
	for _, part := range parts {
		if !to.IsZero() && !part.start.Before(to) {
			break
		}
		if part.start.Add(time.Hour).Before(from) {
			continue
		}
		for _, ev := range part.snapshot() {
			if ev.ReceivedAt.Before(from) {
				continue
			}
			if !to.IsZero() && !ev.ReceivedAt.Before(to) {
				continue
			}
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	partCount := len(s.parts)
	s.mu.RUnlock()
	return Stats{
		CurrentSizeBytes:      s.currentSize.Load(),
		Events:                s.eventCount.Load(),
		Partitions:            partCount,
		EventsDroppedOverflow: s.droppedOverflow.Load(),
	}
}

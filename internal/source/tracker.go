// Package source tracks the devices sending syslog traffic. Sources are
// auto-discovered on first event; counters are updated lock-free off the
// intake hot path and flushed to the repository periodically, best-effort.
package source

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/logging"
)

// Source holds per-device activity counters. Counter fields are atomics;
// the record itself is created once and never deleted automatically.
type Source struct {
	Address   string    `json:"address"`
	Transport string    `json:"transport"`
	FirstSeen time.Time `json:"first_seen"`

	events   atomic.Int64
	bytes    atomic.Int64
	lastSeen atomic.Int64 // unix nanos
}

// Snapshot is a read-only view of a source.
type Snapshot struct {
	Address   string    `json:"address"`
	Transport string    `json:"transport"`
	FirstSeen time.Time `json:"first_seen"`
	Events    int64     `json:"events"`
	Bytes     int64     `json:"bytes"`
	LastSeen  time.Time `json:"last_seen"`
}

func (s *Source) snapshot() Snapshot {
	return Snapshot{
		Address:   s.Address,
		Transport: s.Transport,
		FirstSeen: s.FirstSeen,
		Events:    s.events.Load(),
		Bytes:     s.bytes.Load(),
		LastSeen:  time.Unix(0, s.lastSeen.Load()),
	}
}

// Upserter persists source snapshots.
type Upserter interface {
	UpsertSource(ctx context.Context, s Snapshot) error
}

// Tracker is the in-memory source registry.
type Tracker struct {
	mu      sync.RWMutex
	sources map[string]*Source
	logger  *logging.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Tracker{
		sources: make(map[string]*Source),
		logger:  logger.With(logging.Component("source")),
	}
}

// Observe records one accepted message from addr, creating the source on
// first sight.
func (t *Tracker) Observe(addr, transport string, size int) {
	t.mu.RLock()
	s := t.sources[addr]
	t.mu.RUnlock()

	if s == nil {
		t.mu.Lock()
		if s = t.sources[addr]; s == nil {
			s = &Source{
				Address:   addr,
				Transport: transport,
				FirstSeen: time.Now(),
			}
			t.sources[addr] = s
			t.logger.Info("discovered source", logging.Source(addr), logging.Transport(transport))
		}
		t.mu.Unlock()
	}

	s.events.Add(1)
	s.bytes.Add(int64(size))
	s.lastSeen.Store(time.Now().UnixNano())
}

// Snapshots returns views of every known source.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(t.sources))
	for _, s := range t.sources {
		out = append(out, s.snapshot())
	}
	return out
}

// FlushLoop periodically persists source snapshots until ctx is
// cancelled. Persistence failures are logged and retried next round.
func (t *Tracker) FlushLoop(ctx context.Context, up Upserter, interval time.Duration) {
	if up == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.flush(context.Background(), up)
			return
		case <-ticker.C:
			t.flush(ctx, up)
		}
	}
}

func (t *Tracker) flush(ctx context.Context, up Upserter) {
	for _, snap := range t.Snapshots() {
		if err := up.UpsertSource(ctx, snap); err != nil {
			t.logger.Warn("source flush failed", logging.Source(snap.Address), logging.Error(err))
			return
		}
	}
}

package sessionstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pqwire/pqsession-backend/interfaces"
)

// DefaultSweepInterval is the cadence of the local store's expiry reaper.
const DefaultSweepInterval = 30 * time.Second

// Config carries the knobs shared by all session backends.
type Config struct {
	// SweepInterval is the local reaper cadence. Zero means
	// DefaultSweepInterval.
	SweepInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	Log *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return cfg
}

// LocalStore is the in-process session backend: a map guarded by a lock,
// swept by a background reaper. The lock is held only for the duration of a
// single operation.
type LocalStore struct {
	mu      sync.Mutex
	records map[interfaces.SessionID]*interfaces.SessionRecord

	now      func() time.Time
	log      *slog.Logger
	degraded bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewLocalStore creates a local store and starts its reaper.
func NewLocalStore(cfg Config) *LocalStore {
	cfg = cfg.withDefaults()
	s := &LocalStore{
		records: make(map[interfaces.SessionID]*interfaces.SessionRecord),
		now:     cfg.Now,
		log:     cfg.Log,
		done:    make(chan struct{}),
	}
	go s.sweepLoop(cfg.SweepInterval)
	return s
}

// Put stores a session record.
func (s *LocalStore) Put(ctx context.Context, record *interfaces.SessionRecord) error {
	if !record.ExpiresAt.After(record.CreatedAt) {
		return fmt.Errorf("session %s expires before it is created", record.ID)
	}

	clone := *record
	s.mu.Lock()
	s.records[record.ID] = &clone
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the record, marking it expired lazily when its
// expiry has passed.
func (s *LocalStore) Get(ctx context.Context, id interfaces.SessionID) (*interfaces.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, id)
	}

	if record.State == interfaces.SessionActive && record.Expired(s.now()) {
		record.State = interfaces.SessionExpired
	}

	clone := *record
	return &clone, nil
}

// Verify reports validity with a distinct reason for each invalid state.
func (s *LocalStore) Verify(ctx context.Context, id interfaces.SessionID) (bool, interfaces.VerifyReason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return false, interfaces.ReasonNotFound, nil
	}

	switch {
	case record.State == interfaces.SessionInvalidated:
		return false, interfaces.ReasonInvalidated, nil
	case record.Expired(s.now()) || record.State == interfaces.SessionExpired:
		record.State = interfaces.SessionExpired
		return false, interfaces.ReasonExpired, nil
	default:
		return true, interfaces.ReasonValid, nil
	}
}

// Invalidate marks the session invalid, effective immediately.
func (s *LocalStore) Invalidate(ctx context.Context, id interfaces.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, id)
	}
	record.State = interfaces.SessionInvalidated
	return nil
}

// Stats counts records by state, applying lazy expiry to the counts.
func (s *LocalStore) Stats(ctx context.Context) (interfaces.SessionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := interfaces.SessionStats{Backend: s.Name(), Degraded: s.degraded}
	now := s.now()
	for _, record := range s.records {
		switch {
		case record.State == interfaces.SessionInvalidated:
			stats.Invalidated++
		case record.State == interfaces.SessionExpired || record.Expired(now):
			stats.Expired++
		default:
			stats.Active++
		}
	}
	return stats, nil
}

// Name identifies the backend.
func (s *LocalStore) Name() string { return "local" }

// Close stops the reaper.
func (s *LocalStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// markDegraded flags the store as a fallback for an unreachable durable
// backend.
func (s *LocalStore) markDegraded() {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
}

func (s *LocalStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

// Sweep removes every record past its expiry and returns how many were
// removed. Keeps memory bounded even without active reads.
func (s *LocalStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	var removed int
	for id, record := range s.records {
		if record.Expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.log.Debug("Swept expired sessions", "count", removed)
	}
	return removed
}

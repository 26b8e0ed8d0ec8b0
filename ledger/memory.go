package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryConfig holds configuration for the in-memory store.
type MemoryConfig struct {
	// TTL is how long entries are kept (default: 0 = forever).
	TTL time.Duration

	// CleanupInterval is how often expired entries are removed (default: 1 minute).
	CleanupInterval time.Duration
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for single-instance deployments and tests. For distributed
// systems, use RedisStore or PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	closeCh chan struct{}
	closed  bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = time.Minute
	}

	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     cfg.TTL,
		closeCh: make(chan struct{}),
	}

	go s.cleanupLoop(cleanupInterval)

	return s
}

// Record saves an entry.
func (s *MemoryStore) Record(ctx context.Context, entry *Entry) error {
	now := time.Now()
	e, err := prepare(entry, now)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[e.TransactionID]; ok && !existing.expired(now) {
		return ErrAlreadyRecorded
	}

	var expiresAt time.Time
	if s.ttl > 0 {
		expiresAt = now.Add(s.ttl)
	}
	s.entries[e.TransactionID] = memoryEntry{entry: e, expiresAt: expiresAt}
	return nil
}

// Load retrieves an entry by transaction id.
func (s *MemoryStore) Load(ctx context.Context, transactionID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.entries[transactionID]
	if !ok || stored.expired(time.Now()) {
		return nil, ErrNotFound
	}

	e := stored.entry
	return &e, nil
}

// Delete removes an entry by transaction id.
func (s *MemoryStore) Delete(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[transactionID]; !ok {
		return ErrNotFound
	}

	delete(s.entries, transactionID)
	return nil
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.closeCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, stored := range s.entries {
		if stored.expired(now) {
			delete(s.entries, id)
		}
	}
}

// Len returns the number of stored entries (for testing/monitoring).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

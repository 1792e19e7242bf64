package flow

import (
	"context"
	"sync"
	"time"
)

// cleanupInterval is how often the background sweep removes expired attempts.
const cleanupInterval = 1 * time.Minute

// MemoryAttemptStore implements AttemptStore with a TTL-bounded map.
// Expiry is swept lazily on Consume plus periodically in the background.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]*Attempt
	now      func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

var _ AttemptStore = (*MemoryAttemptStore)(nil)

// MemoryAttemptStoreOption configures a MemoryAttemptStore.
type MemoryAttemptStoreOption func(*MemoryAttemptStore)

// WithClock sets a custom time source. Intended for tests.
func WithClock(now func() time.Time) MemoryAttemptStoreOption {
	return func(s *MemoryAttemptStore) {
		s.now = now
	}
}

// NewMemoryAttemptStore creates the store and starts the background sweep.
func NewMemoryAttemptStore(opts ...MemoryAttemptStoreOption) *MemoryAttemptStore {
	s := &MemoryAttemptStore{
		attempts:    make(map[string]*Attempt),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Put registers a new attempt.
func (s *MemoryAttemptStore) Put(_ context.Context, attempt *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.attempts[attempt.State]; ok && !existing.Expired(s.now()) {
		return ErrStateCollision
	}

	cp := *attempt
	s.attempts[attempt.State] = &cp
	return nil
}

// Lookup returns the attempt for the state without consuming it.
func (s *MemoryAttemptStore) Lookup(_ context.Context, state string) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[state]
	if !ok || attempt.Expired(s.now()) {
		return nil, ErrUnknownState
	}

	cp := *attempt
	return &cp, nil
}

// Consume atomically removes and returns the attempt for the state.
func (s *MemoryAttemptStore) Consume(_ context.Context, state string) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[state]
	if !ok {
		return nil, ErrUnknownState
	}

	// Consumption is unconditional: even an expired entry is removed so a
	// later replay cannot observe different behavior.
	delete(s.attempts, state)

	if attempt.Expired(s.now()) {
		return nil, ErrUnknownState
	}
	return attempt, nil
}

// Close stops the background sweep.
func (s *MemoryAttemptStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryAttemptStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryAttemptStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for state, attempt := range s.attempts {
		if attempt.Expired(now) {
			delete(s.attempts, state)
		}
	}
}

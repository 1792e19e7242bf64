package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAttempt(state string, now time.Time) *Attempt {
	return &Attempt{
		State:     state,
		Nonce:     "nonce-" + state,
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultAttemptTTL),
	}
}

func TestMemoryStorePutConsume(t *testing.T) {
	t.Parallel()

	store := NewMemoryAttemptStore()
	defer store.Close()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.Put(ctx, testAttempt("s1", now)))

	attempt, err := store.Consume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "nonce-s1", attempt.Nonce)

	// Consumed exactly once.
	_, err = store.Consume(ctx, "s1")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestMemoryStoreUnknownState(t *testing.T) {
	t.Parallel()

	store := NewMemoryAttemptStore()
	defer store.Close()

	_, err := store.Consume(context.Background(), "never-registered")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestMemoryStoreCollision(t *testing.T) {
	t.Parallel()

	store := NewMemoryAttemptStore()
	defer store.Close()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.Put(ctx, testAttempt("s1", now)))
	assert.ErrorIs(t, store.Put(ctx, testAttempt("s1", now)), ErrStateCollision)
}

func TestMemoryStoreExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := now
	var mu sync.Mutex
	store := NewMemoryAttemptStore(WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}))
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testAttempt("s1", now)))

	mu.Lock()
	clock = now.Add(DefaultAttemptTTL + time.Second)
	mu.Unlock()

	_, err := store.Consume(ctx, "s1")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestMemoryStoreLookupDoesNotConsume(t *testing.T) {
	t.Parallel()

	store := NewMemoryAttemptStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testAttempt("s1", time.Now())))

	for range 3 {
		attempt, err := store.Lookup(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "s1", attempt.State)
	}

	_, err := store.Consume(ctx, "s1")
	require.NoError(t, err)

	_, err = store.Lookup(ctx, "s1")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestMemoryStoreConcurrentConsume(t *testing.T) {
	t.Parallel()

	store := NewMemoryAttemptStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testAttempt("s1", time.Now())))

	const callers = 16
	var wg sync.WaitGroup
	successes := make(chan *Attempt, callers)

	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if attempt, err := store.Consume(ctx, "s1"); err == nil {
				successes <- attempt
			}
		}()
	}
	wg.Wait()
	close(successes)

	assert.Len(t, successes, 1, "exactly one caller may consume an attempt")
}

func TestMemoryStoreSweep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := now
	var mu sync.Mutex
	store := NewMemoryAttemptStore(WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}))
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testAttempt("s1", now)))

	mu.Lock()
	clock = now.Add(DefaultAttemptTTL + time.Second)
	mu.Unlock()

	store.sweep()

	store.mu.Lock()
	remaining := len(store.attempts)
	store.mu.Unlock()
	assert.Zero(t, remaining)
}

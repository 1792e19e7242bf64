package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces attempt keys in a shared Redis.
const redisKeyPrefix = "vwsso:attempt:"

// RedisAttemptStore implements AttemptStore on Redis, for deployments
// where the callback may land on a different process than the one that
// began the flow. Expiry is delegated to Redis key TTLs; consumption is
// atomic via GETDEL.
type RedisAttemptStore struct {
	client *redis.Client
	now    func() time.Time
}

var _ AttemptStore = (*RedisAttemptStore)(nil)

// NewRedisAttemptStore creates a store backed by the given Redis URL.
func NewRedisAttemptStore(redisURL string) (*RedisAttemptStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisAttemptStore{
		client: redis.NewClient(opts),
		now:    time.Now,
	}, nil
}

// NewRedisAttemptStoreFromClient wraps an existing client. Intended for tests.
func NewRedisAttemptStoreFromClient(client *redis.Client) *RedisAttemptStore {
	return &RedisAttemptStore{client: client, now: time.Now}
}

// Put registers a new attempt with a TTL derived from its expiry.
func (s *RedisAttemptStore) Put(ctx context.Context, attempt *Attempt) error {
	ttl := attempt.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("attempt for state %q already expired", attempt.State)
	}

	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshaling attempt: %w", err)
	}

	ok, err := s.client.SetNX(ctx, redisKeyPrefix+attempt.State, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("storing attempt: %w", err)
	}
	if !ok {
		return ErrStateCollision
	}
	return nil
}

// Lookup returns the attempt for the state without consuming it.
func (s *RedisAttemptStore) Lookup(ctx context.Context, state string) (*Attempt, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, fmt.Errorf("looking up attempt: %w", err)
	}
	return s.decode(data)
}

// Consume atomically removes and returns the attempt for the state.
func (s *RedisAttemptStore) Consume(ctx context.Context, state string) (*Attempt, error) {
	data, err := s.client.GetDel(ctx, redisKeyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, fmt.Errorf("consuming attempt: %w", err)
	}
	return s.decode(data)
}

func (s *RedisAttemptStore) decode(data []byte) (*Attempt, error) {

	var attempt Attempt
	if err := json.Unmarshal(data, &attempt); err != nil {
		return nil, fmt.Errorf("unmarshaling attempt: %w", err)
	}
	if attempt.Expired(s.now()) {
		return nil, ErrUnknownState
	}
	return &attempt, nil
}

// Close closes the Redis client.
func (s *RedisAttemptStore) Close() error {
	return s.client.Close()
}

package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore keeps counters as Redis integers and relies on INCR,
// which creates a missing key at zero and increments it atomically.
//
// Redis increments are outside any relational transaction; an entity
// creation that fails after issuing leaves a gap. Durability depends on the
// server's persistence settings (AOF with fsync is required to survive a
// restart without reissuing numbers).
type RedisCounterStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisCounterStore creates a Redis-backed CounterStore. Keys are
// "{keyPrefix}:{prefix}:{year}"; an empty keyPrefix defaults to "seq".
func NewRedisCounterStore(client redis.Cmdable, keyPrefix string) *RedisCounterStore {
	if keyPrefix == "" {
		keyPrefix = "seq"
	}
	return &RedisCounterStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisCounterStore) key(prefix string, year int) string {
	return fmt.Sprintf("%s:%s:%d", s.keyPrefix, prefix, year)
}

// Increment runs INCR on the counter key.
func (s *RedisCounterStore) Increment(ctx context.Context, prefix string, year int) (int64, error) {
	v, err := s.client.Incr(ctx, s.key(prefix, year)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", s.key(prefix, year), err)
	}
	return v, nil
}

// Current reads the counter key, treating a missing key as zero.
func (s *RedisCounterStore) Current(ctx context.Context, prefix string, year int) (int64, error) {
	v, err := s.client.Get(ctx, s.key(prefix, year)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %q: %w", s.key(prefix, year), err)
	}
	return v, nil
}

// HealthCheck pings the Redis server.
func (s *RedisCounterStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries as JSON strings with a TTL. Claims use SET NX,
// so two instances racing on one key cannot both execute the request.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisStore creates a Redis-backed Store. Keys are
// "{keyPrefix}:{key}"; an empty keyPrefix defaults to "idem".
func NewRedisStore(client redis.Cmdable, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "idem"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(k string) string {
	return s.keyPrefix + ":" + k
}

// Begin claims key with SET NX or resolves the entry already there.
func (s *RedisStore) Begin(ctx context.Context, key, bodyHash string, ttl time.Duration) (*Response, error) {
	claim, err := json.Marshal(entry{BodyHash: bodyHash})
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency claim: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(key), claim, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %q: %w", s.key(key), err)
	}
	if ok {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; claim again.
		return s.Begin(ctx, key, bodyHash, ttl)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", s.key(key), err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return e.resolve(key, bodyHash)
}

// Complete overwrites the claim with the stored response.
func (s *RedisStore) Complete(ctx context.Context, key, bodyHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{BodyHash: bodyHash, Response: &resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", s.key(key), err)
	}
	return nil
}

// Abort deletes the claim.
func (s *RedisStore) Abort(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", s.key(key), err)
	}
	return nil
}

// HealthCheck pings the Redis server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

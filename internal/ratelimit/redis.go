package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript increments the window counter and starts the window on the
// first hit. Returns {consumed, pttl}.
var consumeScript = redis.NewScript(`
local consumed = redis.call("INCRBY", KEYS[1], ARGV[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {consumed, ttl}
`)

// RedisStore is a Redis-backed Store shared by every process pointing at the
// same server. Counters are keyed "{prefix}{key}".
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Consume atomically adds points to the counter for key.
func (s *RedisStore) Consume(ctx context.Context, key string, points, limit int, window time.Duration) (Result, error) {
	vals, err := consumeScript.Run(ctx, s.client, []string{s.prefix + key}, points, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis consume %q: %w", key, err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("redis consume %q: unexpected reply %v", key, vals)
	}
	return newResult(int(vals[0]), limit, time.Duration(vals[1])*time.Millisecond), nil
}

// Reset deletes the counter for key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

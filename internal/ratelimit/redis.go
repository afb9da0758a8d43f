package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript checks and consumes one unit. Denied calls leave the counter
// untouched. The window starts with the first admitted unit.
//
// KEYS[1] counter key; ARGV[1] capacity; ARGV[2] window in ms.
// Returns {allowed, remaining, pttl}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= capacity then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl == -1 then
    redis.call('PEXPIRE', KEYS[1], window)
  end
  if ttl < 0 then
    ttl = window
  end
  return {0, 0, ttl}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], window)
end
return {1, capacity - current, redis.call('PTTL', KEYS[1])}
`)

// RedisBucket keeps one counter key per bucket name so every process that
// shares the redis instance sees the same count.
type RedisBucket struct {
	rdb    redis.UniversalClient
	prefix string
}

type RedisOption func(*RedisBucket)

func WithKeyPrefix(prefix string) RedisOption {
	return func(b *RedisBucket) { b.prefix = strings.Trim(prefix, ":") }
}

func NewRedisBucket(rdb redis.UniversalClient, opts ...RedisOption) *RedisBucket {
	b := &RedisBucket{rdb: rdb, prefix: "ratelimit"}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBucket) key(name string) string {
	return b.prefix + ":bucket:" + name
}

func (b *RedisBucket) Take(ctx context.Context, name string, limit Limit) (Decision, error) {
	res, err := takeScript.Run(ctx, b.rdb, []string{b.key(name)}, limit.Capacity, limit.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take %s: %w", name, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("take %s: unexpected script reply %v", name, res)
	}
	if res[0] == 1 {
		return Decision{Allowed: true, Remaining: int(res[1])}, nil
	}
	return Decision{RetryAfter: time.Duration(res[2]) * time.Millisecond}, nil
}

func (b *RedisBucket) Peek(ctx context.Context, name string, limit Limit) (Decision, error) {
	key := b.key(name)
	pipe := b.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, fmt.Errorf("peek %s: %w", name, err)
	}

	count, err := getCmd.Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, fmt.Errorf("peek %s: %w", name, err)
	}
	if count < limit.Capacity {
		return Decision{Allowed: true, Remaining: limit.Capacity - count}, nil
	}
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		ttl = limit.Window
	}
	return Decision{RetryAfter: ttl}, nil
}

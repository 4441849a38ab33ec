package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "canvasflow:ratelimit"

var ErrCostTooHigh = errors.New("rate limit cost too high")

// Decision is the outcome of one bucket check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// RetryAfter is zero when Allowed.
	RetryAfter time.Duration
	// ResetAfter is how long until the bucket is full again.
	ResetAfter time.Duration
}

// KEYS[1] bucket hash
// ARGV capacity, refill tokens per ms, now ms, cost, ttl ms
// returns {allowed, remaining, retry_after_ms, reset_after_ms}
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "timestamp")
local tokens = tonumber(state[1]) or capacity
local timestamp = tonumber(state[2]) or now_ms

local elapsed = math.max(0, now_ms - timestamp)
tokens = math.min(capacity, tokens + elapsed * refill_per_ms)

local allowed = 0
local retry_after_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_after_ms = math.ceil((cost - tokens) / refill_per_ms)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "timestamp", now_ms)
redis.call("PEXPIRE", KEYS[1], ttl_ms)

local reset_after_ms = math.ceil((capacity - tokens) / refill_per_ms)
return {allowed, math.floor(tokens), retry_after_ms, reset_after_ms}
`)

// RedisTokenBucket is a per-subject token bucket shared by every API
// replica through Redis. Buckets refill continuously at capacity/window.
type RedisTokenBucket struct {
	client      redis.UniversalClient
	capacity    int64
	refillPerMS float64
	ttl         time.Duration
	keyPrefix   string
	now         func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}

	keyPrefix = strings.TrimSuffix(strings.TrimSpace(keyPrefix), ":")
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}

	windowMS := max(window.Milliseconds(), 1)

	return &RedisTokenBucket{
		client:      client,
		capacity:    int64(capacity),
		refillPerMS: float64(capacity) / float64(windowMS),
		ttl:         2 * window,
		keyPrefix:   keyPrefix,
		now:         time.Now,
	}, nil
}

func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.AllowN(ctx, subject, 1)
}

// AllowN takes cost tokens from the subject's bucket. Costs above the bucket
// capacity can never succeed and are rejected without touching Redis.
func (l *RedisTokenBucket) AllowN(ctx context.Context, subject string, cost int64) (Decision, error) {
	if cost < 1 {
		cost = 1
	}
	if cost > l.capacity {
		return Decision{}, fmt.Errorf("%w: cost %d exceeds capacity %d", ErrCostTooHigh, cost, l.capacity)
	}

	raw, err := tokenBucketScript.Run(
		ctx,
		l.client,
		[]string{l.key(subject)},
		l.capacity,
		l.refillPerMS,
		l.now().UTC().UnixMilli(),
		cost,
		l.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}

	decision, err := parseDecision(raw)
	if err != nil {
		return Decision{}, err
	}
	decision.Limit = l.capacity
	return decision, nil
}

func (l *RedisTokenBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return l.keyPrefix + ":" + subject
}

func parseDecision(raw any) (Decision, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 4 {
		return Decision{}, fmt.Errorf("invalid token bucket response %v", raw)
	}

	var parsed [4]int64
	for i, name := range []string{"allowed", "remaining", "retry_after_ms", "reset_after_ms"} {
		v, err := toInt64(values[i])
		if err != nil {
			return Decision{}, fmt.Errorf("parse %s: %w", name, err)
		}
		parsed[i] = v
	}

	return Decision{
		Allowed:    parsed[0] == 1,
		Remaining:  parsed[1],
		RetryAfter: time.Duration(parsed[2]) * time.Millisecond,
		ResetAfter: time.Duration(parsed[3]) * time.Millisecond,
	}, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}

// Package ratelimit provides a Redis fixed-window limiter for the auth
// endpoints. With no Redis client configured it fails open, which keeps
// single-node deployments on the in-process limiter instead.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts hits per key in fixed windows:
// INCR key; on the first hit the key expires after the window.
// Keys should already include the identity and route bucket.
type Limiter struct {
	rdb *redis.Client
}

func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // 0 if allowed
	ResetAt    time.Time     // window end (best-effort)
	Count      int
}

// Lua keeps INCR and the first-hit expiry atomic. Returns {count, ttl_ms}.
const allowScript = `
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {c, ttl}
`

// Allow reports whether the request fits the key's window. limit <= 0
// disables the check.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	if window <= 0 {
		window = time.Minute
	}
	if l.rdb == nil {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}

	res, err := l.rdb.Eval(ctx, allowScript, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit eval: %w", err)
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return Decision{}, fmt.Errorf("ratelimit eval: unexpected result %T", res)
	}

	count := int(arr[0].(int64))
	ttl := time.Duration(arr[1].(int64)) * time.Millisecond

	d := Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(0, limit-count),
		Count:     count,
		ResetAt:   time.Now().Add(ttl),
	}
	if !d.Allowed {
		if ttl > 0 {
			d.RetryAfter = ttl
		} else {
			d.RetryAfter = window
		}
	}
	return d, nil
}

// Connect dials Redis from a URL and verifies the connection.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

package cache

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "relay:ratelimit:"

// reserveScript admits a call when fewer than ARGV[3] calls landed in the
// last ARGV[2] milliseconds and returns 0. Otherwise it returns the
// milliseconds until the oldest call leaves the window.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return 0
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
    wait = 1
end
return wait
`)

// RateLimiter throttles outbound webhook calls across every relay process
// sharing the same Redis.
type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// Reserve takes a slot for one call to host, or reports how long until a
// slot frees up. A zero duration means the call was admitted.
func (r *RateLimiter) Reserve(ctx context.Context, host string, windowMs, limit int) (time.Duration, error) {
	ms, err := reserveScript.Run(ctx, r.client, []string{rateLimitKeyPrefix + host},
		time.Now().UnixMilli(), windowMs, limit).Int64()
	if err != nil {
		return 0, fmt.Errorf("rate limit script for %s: %w", host, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Allow reports whether one more call to host fits in the sliding window.
func (r *RateLimiter) Allow(ctx context.Context, host string, windowMs, limit int) (bool, error) {
	wait, err := r.Reserve(ctx, host, windowMs, limit)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// WaitForAllow blocks until host admits one call per windowMs. Each wait
// lasts until the window frees up plus up to a quarter of it in jitter, so
// relay processes sharing the limiter do not retry in lockstep.
func (r *RateLimiter) WaitForAllow(ctx context.Context, host string, windowMs int) error {
	for {
		wait, err := r.Reserve(ctx, host, windowMs, 1)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}

		wait += time.Duration(rand.Int63n(int64(wait)/4 + 1))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

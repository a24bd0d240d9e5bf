// Package ratelimit implements per-subject request rate limiting using
// Redis fixed-window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript is an atomic Lua script that implements a fixed window
// rate limiter using a plain counter.
// KEYS[1] = Redis key
// ARGV[1] = window size in milliseconds
// ARGV[2] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var fixedWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local window = tonumber(ARGV[1])
		local limit  = tonumber(ARGV[2])

		local count = redis.call('INCR', key)
		if count == 1 then
			redis.call('PEXPIRE', key, window)
		end
		if count > limit then
			return 0
		end
		return 1
`)

// DefaultRPM is the per-subject limit applied when none is configured.
const DefaultRPM = 10

// Limiter checks a per-subject requests-per-minute limit using a Redis
// fixed window counter.
type Limiter struct {
	rdb   *redis.Client
	limit int
}

// NewLimiter creates a new Limiter with the given per-subject RPM limit.
// limit must be > 0; values ≤ 0 will block every request.
func NewLimiter(rdb *redis.Client, limit int) *Limiter {
	return &Limiter{rdb: rdb, limit: limit}
}

// Allow returns true if the current request for the given scope and route
// is within the rate limit. Scope is typically the presented API key, so
// limiting happens before authentication.
func (l *Limiter) Allow(ctx context.Context, scope, route string) (bool, error) {
	key := fmt.Sprintf("ratelimit:fw:%s:%s", scope, route)
	return l.check(ctx, key, l.limit)
}

func (l *Limiter) check(ctx context.Context, key string, limit int) (bool, error) {
	window := time.Minute.Milliseconds()

	result, err := fixedWindowScript.Run(ctx, l.rdb,
		[]string{key},
		window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}

// Package ratelimit enforces per-provider requests-per-minute budgets with a
// Redis sliding window shared across gateway instances.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript records one request in a sorted-set window.
// KEYS[1] = window key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit
// Returns 1 when the request fits, 0 when the window is full.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		if redis.call('ZCARD', key) >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const keyPrefix = "ratelimit:provider:"

// Key returns the window key for provider.
func Key(provider string) string {
	return keyPrefix + provider + ":rpm"
}

// RPMLimiter checks provider budgets against Redis. A nil limiter or a nil
// client allows everything.
type RPMLimiter struct {
	rdb    *redis.Client
	window time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// NewRPMLimiter creates a limiter over rdb with a one-minute window.
func NewRPMLimiter(rdb *redis.Client, log *slog.Logger) *RPMLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RPMLimiter{rdb: rdb, window: time.Minute, now: time.Now, log: log}
}

// Allow reports whether provider may take one more request under limit.
// limit <= 0 means unlimited. Redis failures fail open: the request is
// allowed and the error is returned for logging.
func (r *RPMLimiter) Allow(ctx context.Context, provider string, limit int) (bool, error) {
	if r == nil || r.rdb == nil || limit <= 0 {
		return true, nil
	}

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{Key(provider)},
		r.now().UnixNano(), r.window.Nanoseconds(), limit,
	).Int()
	if err != nil {
		r.log.Warn("ratelimit_unavailable",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return true, err
	}

	return result == 1, nil
}

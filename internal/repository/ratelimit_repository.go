package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/worklog/guard/internal/database"
)

// fixedWindowScript increments a counter and starts its window on first use.
// Returns {count, remaining ttl in ms}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RateLimitRepository keeps fixed-window counters in Redis so replicas share them
type RateLimitRepository struct {
	rdb *database.Redis
}

// NewRateLimitRepository creates a new RateLimitRepository
func NewRateLimitRepository(rdb *database.Redis) *RateLimitRepository {
	return &RateLimitRepository{rdb: rdb}
}

// Increment adds one hit to key and returns the count in the current window and
// the time until the window resets. The increment and expiry are atomic.
func (r *RateLimitRepository) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := fixedWindowScript.Run(ctx, r.rdb.Client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

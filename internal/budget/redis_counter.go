// Redis-backed Counter. Each operation is a single EVAL so the
// check-and-increment is atomic across gateway replicas. Keys carry a
// two-day TTL: the current UTC day plus a grace day for late commits.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// budgetKeyTTLSeconds keeps yesterday's key around long enough for
// reconciliation of requests that straddle midnight.
const budgetKeyTTLSeconds = 172800

// incrementIfBelowScript: KEYS[1]=budget key, ARGV[1]=delta, ARGV[2]=limit,
// ARGV[3]=ttl seconds. Returns {allowed, total}.
var incrementIfBelowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or "0")
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

if current + delta > limit then
    return {0, current}
end

local total = redis.call('INCRBY', KEYS[1], delta)

if redis.call('PTTL', KEYS[1]) == -1 then
    redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
end

return {1, total}
`)

// decrementFloorScript: KEYS[1]=budget key, ARGV[1]=delta. Clamps at zero so
// refunds can never drive the day's spend negative.
var decrementFloorScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or "0")
local delta = tonumber(ARGV[1])

local next = current - delta
if next < 0 then
    next = 0
end

redis.call('SET', KEYS[1], next, 'KEEPTTL')
return next
`)

// RedisCounter implements Counter on go-redis v9.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter connects to Redis and verifies connectivity with a ping.
// The caller decides whether a failure here means falling back to the
// in-memory counter or aborting startup.
func NewRedisCounter(url string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Redis budget counter connected", "addr", opts.Addr)
	return &RedisCounter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (c *RedisCounter) Close() error {
	return c.rdb.Close()
}

func (c *RedisCounter) IncrementIfBelow(ctx context.Context, key string, delta, limit int64) (int64, bool, error) {
	res, err := incrementIfBelowScript.Run(ctx, c.rdb, []string{key}, delta, limit, budgetKeyTTLSeconds).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("budget counter eval: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("budget counter eval: unexpected reply %v", res)
	}
	return res[1], res[0] == 1, nil
}

func (c *RedisCounter) DecrementFloor(ctx context.Context, key string, delta int64) error {
	if err := decrementFloorScript.Run(ctx, c.rdb, []string{key}, delta).Err(); err != nil {
		return fmt.Errorf("budget counter eval: %w", err)
	}
	return nil
}

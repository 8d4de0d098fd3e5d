package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindowScript records one request in a per-key sorted-set sliding window
// and returns the new count. Atomic, so concurrent replicas never double
// count a prune.
// KEYS[1] = window key
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = window size in nanoseconds
var incrWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return redis.call('ZCARD', key)
`)

// countWindowScript prunes and counts without recording.
var countWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
		return redis.call('ZCARD', key)
`)

const windowKeyPrefix = "runestone:rpm:"

// RedisWindow shares the per-key minute window across gateway replicas.
// Every operation degrades gracefully: on Redis failure callers fall back to
// their in-process windows, which stay authoritative for concurrency.
type RedisWindow struct {
	rdb  *redis.Client
	span time.Duration
}

func NewRedisWindow(rdb *redis.Client) *RedisWindow {
	return &RedisWindow{rdb: rdb, span: time.Minute}
}

// Incr records one admitted request for key and returns the new count.
func (r *RedisWindow) Incr(ctx context.Context, key string) (int64, error) {
	return r.run(ctx, incrWindowScript, key)
}

// Count returns the number of requests for key in the current window.
func (r *RedisWindow) Count(ctx context.Context, key string) (int64, error) {
	return r.run(ctx, countWindowScript, key)
}

func (r *RedisWindow) run(ctx context.Context, script *redis.Script, key string) (int64, error) {
	n, err := script.Run(ctx, r.rdb,
		[]string{windowKeyPrefix + key},
		time.Now().UnixNano(), r.span.Nanoseconds(),
	).Int64()
	if err != nil {
		return 0, err
	}
	return n, nil
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared Store implementation for multi-process
// deployments, backed by Redis sorted sets.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// slidingWindowScript atomically: removes expired entries, counts, and admits
// if under the limit.
// KEYS[1] = sorted set key
// ARGV[1] = window start (unix micro)
// ARGV[2] = now (unix micro), used as both score and member uniqueness
// ARGV[3] = limit
// ARGV[4] = TTL seconds for the key
// Returns: [count_after, 1=allowed/0=denied, oldest_score_or_0]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)

local allowed = 0
if count < limit then
    redis.call('ZADD', key, now, now .. ':' .. math.random(1000000))
    count = count + 1
    allowed = 1
end
redis.call('EXPIRE', key, ttl)

local oldest = 0
local head = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if head[2] then
    oldest = tonumber(head[2])
end
return {count, allowed, oldest}
`)

func (r *RedisStore) Admit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := time.Now()
	windowStart := now.Add(-window).UnixMicro()
	ttlSecs := int64(window.Seconds()) + 1

	redisKey := fmt.Sprintf("chatvault:rl:%s", key)

	result, err := slidingWindowScript.Run(ctx, r.rdb, []string{redisKey},
		windowStart, now.UnixMicro(), limit, ttlSecs,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window script: %w", err)
	}

	count := int(result[0])
	allowed := result[1] == 1

	d := Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: limit - count,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	d.ResetAt = now.Add(window)
	if oldest := result[2]; oldest > 0 {
		exit := time.UnixMicro(oldest).Add(window)
		d.ResetAt = exit
		if !allowed {
			d.RetryAfter = exit.Sub(now)
		}
	}
	return d, nil
}

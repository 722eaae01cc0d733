package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills at ARGV[1] tokens/s up to ARGV[2] and takes one token
// if available. State lives in a hash that expires after an idle hour.
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local rate_per_sec = tonumber(ARGV[1])
	local burst_size = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
	local tokens = tonumber(bucket[1]) or burst_size
	local last_refill = tonumber(bucket[2]) or now

	local elapsed = math.max(0, now - last_refill)
	tokens = math.min(burst_size, tokens + (elapsed * rate_per_sec))

	local allowed = 0
	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
	redis.call('EXPIRE', key, 3600)
	return allowed
`)

// RedisLimiter shares token buckets between every process using the broker,
// so a queue limit holds across the whole worker fleet.
type RedisLimiter struct {
	client redis.UniversalClient
	cfg    Config
}

func NewRedisLimiter(client redis.UniversalClient, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg}
}

func (r *RedisLimiter) AllowQueue(ctx context.Context, queue string) (bool, error) {
	if !r.cfg.queueLimited() {
		return true, nil
	}
	return r.take(ctx, "rate_limit:queue:"+queue, r.cfg.QueueRatePerSecond, r.cfg.QueueBurstSize)
}

func (r *RedisLimiter) AllowWorker(ctx context.Context, workerID string) (bool, error) {
	if !r.cfg.workerLimited() {
		return true, nil
	}
	return r.take(ctx, "rate_limit:worker:"+workerID, r.cfg.WorkerRatePerSecond, r.cfg.WorkerBurstSize)
}

// Close leaves the client open; the broker owns it.
func (r *RedisLimiter) Close() error { return nil }

func (r *RedisLimiter) take(ctx context.Context, key string, perSecond float64, burst int) (bool, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	res, err := tokenBucket.Run(ctx, r.client, []string{key}, perSecond, max(burst, 1), now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: %s: %w", key, err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	return allowed == 1, nil
}

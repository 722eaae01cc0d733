package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// transferExclusive returns {status, item}: 0 moved, 1 src empty, 2 dst busy.
var transferExclusive = redis.NewScript(`
	if redis.call('LLEN', KEYS[2]) > 0 then
		return {2, ''}
	end
	local item = redis.call('LMOVE', KEYS[1], KEYS[2], 'RIGHT', 'LEFT')
	if not item then
		return {1, ''}
	end
	return {0, item}
`)

// RedisBroker implements Broker on top of Redis lists and string keys.
type RedisBroker struct {
	client redis.UniversalClient
}

// NewRedisBroker wraps an existing client. The broker owns the client and
// closes it on Close.
func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client}
}

// Client exposes the underlying client for components that need raw Redis
// access, such as the Lua-based rate limiter.
func (r *RedisBroker) Client() redis.UniversalClient { return r.client }

func (r *RedisBroker) PushHead(ctx context.Context, queue, item string) error {
	if err := r.client.LPush(ctx, queue, item).Err(); err != nil {
		return fmt.Errorf("broker: push head %s: %w", queue, err)
	}
	return nil
}

func (r *RedisBroker) PushTail(ctx context.Context, queue, item string) error {
	if err := r.client.RPush(ctx, queue, item).Err(); err != nil {
		return fmt.Errorf("broker: push tail %s: %w", queue, err)
	}
	return nil
}

func (r *RedisBroker) PopHead(ctx context.Context, queue string) (string, bool, error) {
	return result(r.client.LPop(ctx, queue).Result())("pop head", queue)
}

func (r *RedisBroker) PopTail(ctx context.Context, queue string) (string, bool, error) {
	return result(r.client.RPop(ctx, queue).Result())("pop tail", queue)
}

func (r *RedisBroker) Transfer(ctx context.Context, src, dst string) (string, bool, error) {
	return result(r.client.LMove(ctx, src, dst, "RIGHT", "LEFT").Result())("transfer", src)
}

func (r *RedisBroker) TransferExclusive(ctx context.Context, src, dst string) (string, bool, error) {
	res, err := transferExclusive.Run(ctx, r.client, []string{src, dst}).Slice()
	if err != nil {
		return "", false, fmt.Errorf("broker: transfer %s: %w", src, err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("broker: transfer %s: unexpected script result %v", src, res)
	}
	status, _ := res[0].(int64)
	item, _ := res[1].(string)
	switch status {
	case 0:
		return item, true, nil
	case 1:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("%w: %s", ErrNotEmpty, dst)
	}
}

func (r *RedisBroker) Dump(ctx context.Context, queue string, drain bool) ([]string, error) {
	var items []string
	if drain {
		var rng *redis.StringSliceCmd
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			rng = pipe.LRange(ctx, queue, 0, -1)
			pipe.Del(ctx, queue)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("broker: drain %s: %w", queue, err)
		}
		items = rng.Val()
	} else {
		var err error
		items, err = r.client.LRange(ctx, queue, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("broker: dump %s: %w", queue, err)
		}
	}
	// LRANGE reads head to tail; callers want dequeue order
	reverse(items)
	return items, nil
}

func (r *RedisBroker) Len(ctx context.Context, queue string) (int64, error) {
	n, err := r.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: len %s: %w", queue, err)
	}
	return n, nil
}

func (r *RedisBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("broker: set %s: %w", key, err)
	}
	return nil
}

func (r *RedisBroker) Get(ctx context.Context, key string, refresh time.Duration) (string, bool, error) {
	if refresh > 0 {
		return result(r.client.GetEx(ctx, key, refresh).Result())("get", key)
	}
	return result(r.client.Get(ctx, key).Result())("get", key)
}

func (r *RedisBroker) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("broker: delete: %w", err)
	}
	return nil
}

// Keys walks the keyspace with SCAN so large keyspaces never block the server.
func (r *RedisBroker) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("broker: scan %s: %w", pattern, err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return dedupe(out), nil
}

func (r *RedisBroker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBroker) Close() error {
	return r.client.Close()
}

// result maps redis.Nil onto the empty marker.
func result(val string, err error) func(op, name string) (string, bool, error) {
	return func(op, name string) (string, bool, error) {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("broker: %s %s: %w", op, name, err)
		}
		return val, true, nil
	}
}

func reverse(items []string) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

// SCAN may return a key more than once while the keyspace is rehashing.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

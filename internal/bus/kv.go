package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the low-latency key-value store (component E): strings with
// optional TTL, hashes, lists, sets, and atomic counters, shared over the
// same Redis client as the Bus. It is the hot tier's storage primitive
// for task traces, agent heartbeats, and pending-elevation state.
type KV struct {
	rdb *redis.Client
}

// NewKV wraps an existing Redis client. Passing the same client used to
// construct a Bus lets KV writes and bus publishes share one connection
// pool and one pipeline.
func NewKV(rdb *redis.Client) *KV {
	return &KV{rdb: rdb}
}

// Get returns the string value at key, or ErrNotFound if it doesn't exist.
func (k *KV) Get(ctx context.Context, key string) (string, error) {
	v, err := k.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv: get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value at key. A zero ex means no expiration.
func (k *KV) Set(ctx context.Context, key, value string, ex time.Duration) error {
	if err := k.rdb.Set(ctx, key, value, ex).Err(); err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

// Delete removes one or more keys. Missing keys are not an error.
func (k *KV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := k.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv: delete %v: %w", keys, err)
	}
	return nil
}

// Expire sets a TTL on an existing key.
func (k *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := k.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv: expire %s: %w", key, err)
	}
	return nil
}

// HSet sets one or more fields on a hash.
func (k *KV) HSet(ctx context.Context, key string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	if err := k.rdb.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("kv: hset %s: %w", key, err)
	}
	return nil
}

// HGet returns a single hash field, or ErrNotFound if the key or field
// doesn't exist.
func (k *KV) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := k.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv: hget %s.%s: %w", key, field, err)
	}
	return v, nil
}

// HGetAll returns every field of a hash. A missing key returns an empty,
// non-nil map.
func (k *KV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := k.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: hgetall %s: %w", key, err)
	}
	return v, nil
}

// HIncrBy atomically increments a hash field by incr and returns the new
// value. Used for task-completion counters surfaced in heartbeats.
func (k *KV) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	v, err := k.rdb.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: hincrby %s.%s: %w", key, field, err)
	}
	return v, nil
}

// LPush prepends values to a list.
func (k *KV) LPush(ctx context.Context, key string, values ...any) error {
	if len(values) == 0 {
		return nil
	}
	if err := k.rdb.LPush(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("kv: lpush %s: %w", key, err)
	}
	return nil
}

// RPush appends values to a list.
func (k *KV) RPush(ctx context.Context, key string, values ...any) error {
	if len(values) == 0 {
		return nil
	}
	if err := k.rdb.RPush(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("kv: rpush %s: %w", key, err)
	}
	return nil
}

// LRange returns elements [start, stop] (inclusive, Redis-style negative
// indices allowed) of a list.
func (k *KV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := k.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: lrange %s: %w", key, err)
	}
	return v, nil
}

// LRem removes up to count occurrences of value from a list (count=0
// removes all occurrences).
func (k *KV) LRem(ctx context.Context, key string, count int64, value any) error {
	if err := k.rdb.LRem(ctx, key, count, value).Err(); err != nil {
		return fmt.Errorf("kv: lrem %s: %w", key, err)
	}
	return nil
}

// LTrim trims a list to the [start, stop] range, discarding the rest.
// Used to cap the task-traces list and reset its effective TTL footprint
// after every append.
func (k *KV) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := k.rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("kv: ltrim %s: %w", key, err)
	}
	return nil
}

// SAdd adds members to a set.
func (k *KV) SAdd(ctx context.Context, key string, members ...any) error {
	if len(members) == 0 {
		return nil
	}
	if err := k.rdb.SAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("kv: sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes members from a set.
func (k *KV) SRem(ctx context.Context, key string, members ...any) error {
	if len(members) == 0 {
		return nil
	}
	if err := k.rdb.SRem(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("kv: srem %s: %w", key, err)
	}
	return nil
}

// SMembers returns every member of a set.
func (k *KV) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := k.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: smembers %s: %w", key, err)
	}
	return v, nil
}

// Scan performs one iteration of a cursor-based key scan matching a glob
// pattern, returning the next cursor (0 once exhausted).
func (k *KV) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := k.rdb.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("kv: scan %s: %w", match, err)
	}
	return keys, next, nil
}

// Pipeline returns a new pipeline on the underlying client for callers
// that need to batch several of the above operations atomically.
func (k *KV) Pipeline() redis.Pipeliner {
	return k.rdb.Pipeline()
}

// BgSave triggers an asynchronous RDB snapshot. Used by the cold-archive
// sweep before a warm-tier compaction, matching the teacher's preference
// for explicit, observable persistence points over relying on Redis
// defaults.
func (k *KV) BgSave(ctx context.Context) error {
	if err := k.rdb.BgSave(ctx).Err(); err != nil {
		return fmt.Errorf("kv: bgsave: %w", err)
	}
	return nil
}

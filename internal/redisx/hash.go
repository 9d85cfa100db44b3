package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// HSet upserts fields on a Hash, stringifying values the same way XAdd does.
func HSet(ctx context.Context, rdb redis.Cmdable, key string, fields map[string]interface{}) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if v == nil {
			continue
		}
		values[k] = stringify(v)
	}
	return rdb.HSet(ctx, key, values).Err()
}

// HGetAll reads every field of a Hash. A missing key returns an empty, non-nil map.
func HGetAll(ctx context.Context, rdb redis.Cmdable, key string) (map[string]string, error) {
	res, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// HGet reads a single Hash field.
func HGet(ctx context.Context, rdb redis.Cmdable, key, field string) (string, bool, error) {
	v, err := rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Expire sets a TTL in seconds on key.
func Expire(ctx context.Context, rdb redis.Cmdable, key string, ttlSeconds int64) error {
	return rdb.Expire(ctx, key, time.Duration(ttlSeconds)*time.Second).Err()
}

// SetNX atomically creates key with value and TTL only if absent, returning
// whether the lock was acquired. Backs the Router's idempotency lock
// (spec §4.5 step 8: "atomic create-if-absent with TTL IDEM_TTL_MS").
func SetNX(ctx context.Context, rdb redis.Cmdable, key, value string, ttlMs int64) (bool, error) {
	return rdb.SetNX(ctx, key, value, time.Duration(ttlMs)*time.Millisecond).Result()
}

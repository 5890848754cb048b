package redisq

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fundamental/fundamental/internal/domain"
)

// KV implements domain.KeyValue on a Redis client.
type KV struct {
	client *redis.Client
}

// NewKV wraps an existing client.
func NewKV(client *redis.Client) *KV { return &KV{client: client} }

// Set implements domain.KeyValue.
func (kv *KV) Set(ctx domain.Context, key, value string, ttl time.Duration) error {
	if err := kv.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("op=redisq.kv.set: %w", err)
	}
	return nil
}

// SetNX implements domain.KeyValue.
func (kv *KV) SetNX(ctx domain.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := kv.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisq.kv.setnx: %w", err)
	}
	return ok, nil
}

// Get implements domain.KeyValue.
func (kv *KV) Get(ctx domain.Context, key string) (string, bool, error) {
	v, err := kv.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("op=redisq.kv.get: %w", err)
	}
	return v, true, nil
}

// Incr implements domain.KeyValue.
func (kv *KV) Incr(ctx domain.Context, key string) (int64, error) {
	n, err := kv.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.kv.incr: %w", err)
	}
	return n, nil
}

// Expire implements domain.KeyValue.
func (kv *KV) Expire(ctx domain.Context, key string, ttl time.Duration) error {
	if err := kv.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("op=redisq.kv.expire: %w", err)
	}
	return nil
}

// Delete implements domain.KeyValue.
func (kv *KV) Delete(ctx domain.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := kv.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("op=redisq.kv.del: %w", err)
	}
	return nil
}

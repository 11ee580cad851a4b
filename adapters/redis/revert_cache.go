// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevertCache remembers reverted clears across restarts and across nodes sharing a redis
type RevertCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewRevertCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *RevertCache {
	return &RevertCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (c *RevertCache) MarkReverted(ctx context.Context, key string) error {
	return c.client.Set(ctx, c.keyPrefix+key, 1, c.expireDuration).Err()
}

func (c *RevertCache) IsReverted(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteAll deletes all the keys in the cache. It can be very slow and should only be used for testing.
func (c *RevertCache) DeleteAll(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, c.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

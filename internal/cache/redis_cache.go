package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"orderdesk/backend/internal/domain"
)

const variantKeyPrefix = "orderdesk:variant:"

type RedisVariantCache struct {
	client redis.UniversalClient
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisVariantCache(client redis.UniversalClient) *RedisVariantCache {
	return &RedisVariantCache{client: client}
}

func (c *RedisVariantCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisVariantCache) Get(ctx context.Context, variantID string) (*domain.Variant, bool, error) {
	val, err := c.client.Get(ctx, variantKeyPrefix+variantID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var variant domain.Variant
	if err := json.Unmarshal([]byte(val), &variant); err != nil {
		return nil, false, err
	}
	return &variant, true, nil
}

func (c *RedisVariantCache) Set(ctx context.Context, variant *domain.Variant, ttl time.Duration) error {
	if variant == nil {
		return nil
	}
	payload, err := json.Marshal(variant)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, variantKeyPrefix+variant.ID, payload, ttl).Err()
}

func (c *RedisVariantCache) Invalidate(ctx context.Context, variantID string) error {
	return c.client.Del(ctx, variantKeyPrefix+variantID).Err()
}

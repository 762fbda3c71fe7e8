package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/redmine-bridge/internal/domain"
)

const customFieldCacheKey = "redmine-bridge:custom_fields"

// CustomFieldCache shares the raw custom field catalog between replicas.
type CustomFieldCache interface {
	Load(ctx context.Context) ([]domain.CustomFieldDescriptor, bool, error)
	Store(ctx context.Context, fields []domain.CustomFieldDescriptor) error
	Clear(ctx context.Context) error
}

type redisCustomFieldCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCustomFieldCache stores the catalog as one JSON document with a TTL.
func NewRedisCustomFieldCache(client *redis.Client, ttl time.Duration) CustomFieldCache {
	return &redisCustomFieldCache{client: client, ttl: ttl}
}

func (c *redisCustomFieldCache) Load(ctx context.Context) ([]domain.CustomFieldDescriptor, bool, error) {
	raw, err := c.client.Get(ctx, customFieldCacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var fields []domain.CustomFieldDescriptor
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false, err
	}
	return fields, true, nil
}

func (c *redisCustomFieldCache) Store(ctx context.Context, fields []domain.CustomFieldDescriptor) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, customFieldCacheKey, raw, c.ttl).Err()
}

func (c *redisCustomFieldCache) Clear(ctx context.Context) error {
	return c.client.Del(ctx, customFieldCacheKey).Err()
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/voxhall/relayd/pkg/store"
)

// RedisCache stores customizations as JSON in Redis. The literal "null"
// payload records a profile with no saved customization.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (r *RedisCache) Get(ctx context.Context, profileID string) (*store.Customization, bool, error) {
	raw, err := r.client.Get(ctx, customizationKey(profileID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var c *store.Customization
	if err := json.Unmarshal(raw, &c); err != nil {
		// Poisoned entry; treat as a miss so the store refills it.
		return nil, false, nil
	}
	return c, true, nil
}

func (r *RedisCache) Set(ctx context.Context, profileID string, c *store.Customization) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, customizationKey(profileID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisCache) Invalidate(ctx context.Context, profileID string) error {
	if err := r.client.Del(ctx, customizationKey(profileID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

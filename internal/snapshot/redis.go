package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zohaibmir/qr-saas-backend-sub002/internal/config"
	"github.com/zohaibmir/qr-saas-backend-sub002/internal/model"
)

const redisKeyPrefix = "metrics:snapshot:"

// RedisCache stores snapshots as JSON values in redis with a per-key TTL, so
// expiry is enforced by the store itself and shared across engine instances.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisCache connects to redis and verifies the connection.
func NewRedisCache(cfg config.CacheConfig, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	return &RedisCache{client: client, logger: logger}, nil
}

// Get implements Cache. Redis drops expired keys, so an expired snapshot is
// indistinguishable from an absent one: both are a miss.
func (c *RedisCache) Get(ctx context.Context, entityID string) (*model.Snapshot, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+entityID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("entity %s: %w", entityID, model.ErrCacheMiss)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCacheUnavailable, err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt entry is treated as a miss so the caller recomputes it.
		c.logger.Warn("discarding corrupt snapshot entry",
			zap.String("entity_id", entityID), zap.Error(err))
		return nil, fmt.Errorf("entity %s corrupt: %w", entityID, model.ErrCacheMiss)
	}
	return &snap, nil
}

// Put implements Cache.
func (c *RedisCache) Put(ctx context.Context, entityID string, snap *model.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+entityID, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrCacheUnavailable, err)
	}
	return nil
}

// Close implements Cache.
func (c *RedisCache) Close() {
	if err := c.client.Close(); err != nil {
		c.logger.Warn("redis close failed", zap.Error(err))
	}
}

// Package cache keeps the latest status snapshot per execution attempt in
// Redis so operator tooling can read job state without touching the broker.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayq/relayq/internal/model"
)

// StatusCache stores and retrieves per-correlation status snapshots.
type StatusCache interface {
	SetStatus(ctx context.Context, update *model.StatusUpdate) error
	GetStatus(ctx context.Context, correlationID string) (*model.StatusUpdate, error)
	Ping(ctx context.Context) error
}

// RedisStatusCache implements StatusCache using Redis.
type RedisStatusCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStatusCache creates a RedisStatusCache
func NewRedisStatusCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStatusCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStatusCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisStatusCache) key(correlationID string) string {
	return c.prefix + correlationID
}

// SetStatus stores the snapshot under the correlation id with the cache TTL
func (c *RedisStatusCache) SetStatus(ctx context.Context, update *model.StatusUpdate) error {
	if update.CorrelationID == "" {
		return errors.New("correlation id cannot be empty")
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode status update: %w", err)
	}

	if err := c.client.Set(ctx, c.key(update.CorrelationID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// GetStatus returns the stored snapshot, or nil when the key is absent
func (c *RedisStatusCache) GetStatus(ctx context.Context, correlationID string) (*model.StatusUpdate, error) {
	if correlationID == "" {
		return nil, errors.New("correlation id cannot be empty")
	}

	result, err := c.client.Get(ctx, c.key(correlationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var update model.StatusUpdate
	if err := json.Unmarshal([]byte(result), &update); err != nil {
		return nil, fmt.Errorf("failed to decode cached status: %w", err)
	}
	return &update, nil
}

// Ping checks the cache connection
func (c *RedisStatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var _ StatusCache = (*RedisStatusCache)(nil)

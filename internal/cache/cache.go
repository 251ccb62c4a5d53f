// Package cache is the write-through hot cache for positions and IBOR
// NAV payloads. The database stays the source of truth; cache failures
// are logged and never fail the write path.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PositionPayload is the cached projection of a position row.
type PositionPayload struct {
	Quantity    string `json:"quantity"`
	VersionUUID string `json:"version_uuid"`
	UpdatedAt   string `json:"updated_at"`
	Source      string `json:"source"`
}

// Cache is the write-through interface used by activities and NAV.
type Cache interface {
	SetPosition(ctx context.Context, portfolioID, instrumentID int64, payload PositionPayload) error
	SetIBORNav(ctx context.Context, portfolioID int64, payload interface{}) error
	Close() error
}

// RedisCache writes through to Redis.
type RedisCache struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedis connects to Redis from a DSN (redis://host:port/db).
func NewRedis(url string, log zerolog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisCache{
		client: client,
		log:    log.With().Str("component", "cache").Logger(),
	}, nil
}

// SetPosition stores the position projection under position:{pid}:{iid}.
func (c *RedisCache) SetPosition(ctx context.Context, portfolioID, instrumentID int64, payload PositionPayload) error {
	key := fmt.Sprintf("position:%d:%d", portfolioID, instrumentID)
	return c.set(ctx, key, payload)
}

// SetIBORNav stores the latest IBOR NAV payload under nav:ibor:{pid}.
func (c *RedisCache) SetIBORNav(ctx context.Context, portfolioID int64, payload interface{}) error {
	key := fmt.Sprintf("nav:ibor:%d", portfolioID)
	return c.set(ctx, key, payload)
}

func (c *RedisCache) set(ctx context.Context, key string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal cache payload for %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, body, 0).Err(); err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}
	c.log.Debug().Str("key", key).Msg("Cache write-through")
	return nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Noop backs tests and cache-less deployments.
type Noop struct{}

func (Noop) SetPosition(context.Context, int64, int64, PositionPayload) error { return nil }
func (Noop) SetIBORNav(context.Context, int64, interface{}) error             { return nil }
func (Noop) Close() error                                                     { return nil }

// Package cache keeps a Redis record of provider events that reached the
// processed state, letting duplicate deliveries skip the database.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 72 * time.Hour

// RedisProcessedCache is advisory. A miss or a Redis error always falls
// through to the event store, which stays the source of truth.
type RedisProcessedCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisProcessedCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisProcessedCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisProcessedCache{
		client: client,
		prefix: "settle:processed:",
		ttl:    ttl,
		logger: logger,
	}
}

func (c *RedisProcessedCache) key(providerEventID string) string {
	return c.prefix + providerEventID
}

// IsProcessed reports a cached processed marker. Redis failures are logged and
// reported as a miss.
func (c *RedisProcessedCache) IsProcessed(ctx context.Context, providerEventID string) bool {
	n, err := c.client.Exists(ctx, c.key(providerEventID)).Result()
	if err != nil {
		c.logger.Warn("processed cache lookup failed", "event_id", providerEventID, "error", err)
		return false
	}
	return n == 1
}

// MarkProcessed records the marker. Call it only after the processed state committed.
func (c *RedisProcessedCache) MarkProcessed(ctx context.Context, providerEventID string) error {
	if err := c.client.Set(ctx, c.key(providerEventID), "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("cache processed marker: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity for the readiness probe.
func (c *RedisProcessedCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

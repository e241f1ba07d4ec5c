package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultExactTTL is the per-entry TTL for the exact tier.
const DefaultExactTTL = 3600 * time.Second

// ExactCache is the Redis-backed exact-match tier. Every prompt that hashes
// identically is a single GET away. Redis outages degrade to misses.
type ExactCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewExact creates the exact tier over an existing Redis client.
func NewExact(rdb redis.UniversalClient, keyPrefix string, ttl time.Duration, logger *slog.Logger) *ExactCache {
	if ttl <= 0 {
		ttl = DefaultExactTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExactCache{rdb: rdb, prefix: keyPrefix + "cache:exact:", ttl: ttl, logger: logger}
}

// Get returns the cached payload for the prompt hash, or false.
func (c *ExactCache) Get(ctx context.Context, promptHash string) (json.RawMessage, bool) {
	data, err := c.rdb.Get(ctx, c.prefix+promptHash).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "cache.exact.redis_unavailable",
				slog.String("error", err.Error()))
		}
		return nil, false
	}
	return data, true
}

// Set stores the payload under the prompt hash with the tier TTL.
func (c *ExactCache) Set(ctx context.Context, promptHash string, payload json.RawMessage) {
	if err := c.rdb.SetEx(ctx, c.prefix+promptHash, []byte(payload), c.ttl).Err(); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "cache.exact.redis_unavailable",
			slog.String("error", err.Error()))
	}
}

// Delete removes one entry.
func (c *ExactCache) Delete(ctx context.Context, promptHash string) {
	c.rdb.Del(ctx, c.prefix+promptHash)
}

// Clear removes every exact-tier entry and returns the count. Keys are
// walked with SCAN; the tier has no per-model index, so a model-scoped clear
// also wipes the whole tier (entries repopulate on the next miss).
func (c *ExactCache) Clear(ctx context.Context) int64 {
	var deleted int64
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if c.rdb.Del(ctx, iter.Val()).Err() == nil {
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "cache.exact.clear_failed",
			slog.String("error", err.Error()))
	}
	return deleted
}

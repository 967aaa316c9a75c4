package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache keeps the upcoming sequential per counter in Redis so dashboards can
// poll Peek cheaply. Misses and Redis outages fall through to the database.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

// NewCache wraps a Redis client. A non-positive ttl defaults to one minute.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		client: client,
		ttl:    ttl,
		log:    slog.Default().With("component", "sequence-cache"),
	}
}

func cacheKey(k Key) string {
	return fmt.Sprintf("sri:seq:%s:%s:%s", k.EmitterCode, k.EmissionPoint, k.DocType)
}

// Get returns the cached upcoming value, if present.
func (c *Cache) Get(ctx context.Context, k Key) (uint32, bool) {
	raw, err := c.client.Get(ctx, cacheKey(k)).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.WarnContext(ctx, "cache read failed", "counter", k.String(), "error", err)
		}
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// Set records the upcoming value.
func (c *Cache) Set(ctx context.Context, k Key, v uint32) {
	if err := c.client.Set(ctx, cacheKey(k), strconv.FormatUint(uint64(v), 10), c.ttl).Err(); err != nil {
		c.log.WarnContext(ctx, "cache write failed", "counter", k.String(), "error", err)
	}
}

// Invalidate drops the cached value after an allocation or reset.
func (c *Cache) Invalidate(ctx context.Context, k Key) {
	if err := c.client.Del(ctx, cacheKey(k)).Err(); err != nil {
		c.log.WarnContext(ctx, "cache invalidate failed", "counter", k.String(), "error", err)
	}
}

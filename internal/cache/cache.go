// Package cache is the Redis-backed hot path state: latest-value keys
// with TTL, the idempotency gate, and the dead-letter list.
//
// Key layout:
//
//	latest:underlying:{product}                      {price, generated_at}   300s
//	latest:chain:{product}:{expiry}                  EnrichedChain           300s
//	latest:pcr:{product}:{expiry}                    PCR summary             300s
//	ohlc:{product}:{w}m                              OHLCWindow              w*60s
//	iv_surface:{product}                             VolatilitySurface       300s
//	processed:underlying:{product}:{tick_id}         "1"                     1h
//	processed:chain:{product}:{expiry}:{generated}   "1"                     1h
//	processed:quote:{symbol}:{generated}             "1"                     1h
//	dlq:enrichment                                   list of DLQEntry        none
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"optionstream/internal/types"
)

// Cache wraps a Redis client. All operations take a context; callers are
// expected to bound it with the configured cache timeout.
type Cache struct {
	client *redis.Client
	dlqKey string
}

// NewClient dials Redis and verifies the connection with a ping. The
// enricher shares one client between the cache and the task queue.
func NewClient(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// New connects to Redis and wraps the client.
func New(addr, dlqKey string) (*Cache, error) {
	client, err := NewClient(addr)
	if err != nil {
		return nil, err
	}
	return &Cache{client: client, dlqKey: dlqKey}, nil
}

// NewFromClient wraps an existing client. Used by the task queue so both
// share one connection pool, and by tests against miniredis-style fakes.
func NewFromClient(client *redis.Client, dlqKey string) *Cache {
	return &Cache{client: client, dlqKey: dlqKey}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping reports connectivity for health endpoints.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// SetJSON marshals v and stores it under key with the given TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// GetJSON unmarshals the value at key into out. Returns (false, nil) on a
// cache miss.
func (c *Cache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// MarkProcessed sets the idempotency key if absent. Returns true when the
// key was set by this call, false when it already existed — meaning some
// worker already completed (or is completing) this task's side effects.
func (c *Cache) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// IsProcessed checks the idempotency gate without setting it.
func (c *Cache) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// ClearProcessed removes an idempotency key. Used to roll the gate back
// when a task fails after claiming it, so a retry can run the effects.
func (c *Cache) ClearProcessed(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// DeadLetter appends an entry to the DLQ list (left push, newest first).
func (c *Cache) DeadLetter(ctx context.Context, entry types.DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}
	if err := c.client.LPush(ctx, c.dlqKey, data).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", c.dlqKey, err)
	}
	return nil
}

// DeadLetters returns up to n newest DLQ entries, for operational tooling.
func (c *Cache) DeadLetters(ctx context.Context, n int64) ([]types.DLQEntry, error) {
	raw, err := c.client.LRange(ctx, c.dlqKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", c.dlqKey, err)
	}
	entries := make([]types.DLQEntry, 0, len(raw))
	for _, item := range raw {
		var e types.DLQEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Key builders. Timestamps in fingerprints use RFC3339Nano so replays of
// the same wire message always produce the same key.

func KeyLatestUnderlying(product string) string {
	return fmt.Sprintf("latest:underlying:%s", product)
}

func KeyLatestChain(product, expiry string) string {
	return fmt.Sprintf("latest:chain:%s:%s", product, expiry)
}

func KeyLatestPCR(product, expiry string) string {
	return fmt.Sprintf("latest:pcr:%s:%s", product, expiry)
}

func KeyOHLC(product string, windowMinutes int) string {
	return fmt.Sprintf("ohlc:%s:%dm", product, windowMinutes)
}

func KeyIVSurface(product string) string {
	return fmt.Sprintf("iv_surface:%s", product)
}

func KeyProcessedUnderlying(product string, tickID int64) string {
	return fmt.Sprintf("processed:underlying:%s:%d", product, tickID)
}

func KeyProcessedChain(product, expiry string, generatedAt time.Time) string {
	return fmt.Sprintf("processed:chain:%s:%s:%s", product, expiry, generatedAt.UTC().Format(time.RFC3339Nano))
}

func KeyProcessedQuote(symbol string, generatedAt time.Time) string {
	return fmt.Sprintf("processed:quote:%s:%s", symbol, generatedAt.UTC().Format(time.RFC3339Nano))
}

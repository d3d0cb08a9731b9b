package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache stores resolved metadata by mint.
type Cache interface {
	Get(ctx context.Context, mint string) (*TokenMetadata, bool, error)
	Set(ctx context.Context, md *TokenMetadata, ttl time.Duration) error
}

const keyPrefix = "provenance:metadata:"

// RedisCache keeps metadata as JSON strings with a TTL.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("metadata: redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (c *RedisCache) Get(ctx context.Context, mint string) (*TokenMetadata, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+mint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("metadata: redis get: %w", err)
	}
	var md TokenMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, false, fmt.Errorf("metadata: decode cached %s: %w", mint, err)
	}
	return &md, true, nil
}

func (c *RedisCache) Set(ctx context.Context, md *TokenMetadata, ttl time.Duration) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("metadata: encode: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+md.Mint, raw, ttl).Err(); err != nil {
		return fmt.Errorf("metadata: redis set: %w", err)
	}
	return nil
}

// Ping checks the connection for health reporting.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

type memEntry struct {
	md      TokenMetadata
	expires time.Time
}

// MemoryCache is a process-local cache for stub and development runs.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, mint string) (*TokenMetadata, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mint]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		delete(c.entries, mint)
		return nil, false, nil
	}
	md := e.md
	return &md, true, nil
}

func (c *MemoryCache) Set(_ context.Context, md *TokenMetadata, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memEntry{md: *md}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries[md.Mint] = e
	return nil
}

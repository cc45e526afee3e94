package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soulsync/soulsync-server/internal/config"
	"github.com/soulsync/soulsync-server/internal/model"
	registrycache "github.com/soulsync/soulsync-server/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.LatestMemoryCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: SOULSYNC_REDIS_URL is required")
	}
	ttl := cfg.CacheMemoryTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURL creates a LatestMemoryCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.LatestMemoryCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &latestMemoryCache{client: client, ttl: ttl}, nil
}

type latestMemoryCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func memoryKey(accountID string) string {
	return "latest-memory:" + accountID
}

func (c *latestMemoryCache) Available() bool {
	return true
}

func (c *latestMemoryCache) Get(ctx context.Context, accountID string) (*model.Memory, error) {
	data, err := c.client.Get(ctx, memoryKey(accountID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var memory model.Memory
	if err := json.Unmarshal(data, &memory); err != nil {
		return nil, err
	}
	return &memory, nil
}

func (c *latestMemoryCache) Set(ctx context.Context, accountID string, memory model.Memory, ttl time.Duration) error {
	data, err := json.Marshal(memory)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, memoryKey(accountID), data, ttl).Err()
}

func (c *latestMemoryCache) Invalidate(ctx context.Context, accountID string) error {
	return c.client.Del(ctx, memoryKey(accountID)).Err()
}

var _ registrycache.LatestMemoryCache = (*latestMemoryCache)(nil)

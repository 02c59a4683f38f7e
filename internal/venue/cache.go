package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache stores recent quotes keyed by venue and request.
type Cache interface {
	Get(ctx context.Context, key string) (Quote, bool, error)
	Set(ctx context.Context, key string, quote Quote, ttl time.Duration) error
}

// CachedQuoter serves repeated requests from a Cache and collapses
// concurrent misses for the same key into one upstream call.
type CachedQuoter struct {
	next  Quoter
	cache Cache
	ttl   time.Duration
	group singleflight.Group
}

// NewCachedQuoter wraps next. A non-positive ttl disables caching.
func NewCachedQuoter(next Quoter, cache Cache, ttl time.Duration) *CachedQuoter {
	return &CachedQuoter{next: next, cache: cache, ttl: ttl}
}

// Name implements Quoter.
func (c *CachedQuoter) Name() string { return c.next.Name() }

// Quote implements Quoter. Cache errors degrade to a direct upstream call.
func (c *CachedQuoter) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if c.cache == nil || c.ttl <= 0 {
		return c.next.Quote(ctx, req)
	}
	key := cacheKey(c.next.Name(), req)
	if q, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		return q, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		q, err := c.next.Quote(ctx, req)
		if err != nil {
			return Quote{}, err
		}
		_ = c.cache.Set(ctx, key, q, c.ttl)
		return q, nil
	})
	if err != nil {
		return Quote{}, err
	}
	return v.(Quote), nil
}

func cacheKey(venue string, req QuoteRequest) string {
	return strings.Join([]string{
		"quote",
		strings.ToLower(venue),
		fmt.Sprint(req.ChainID),
		strings.ToLower(req.FromToken.Hex()),
		strings.ToLower(req.ToToken.Hex()),
		req.Amount.String(),
	}, ":")
}

type cachedQuote struct {
	quote   Quote
	expires time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]cachedQuote
	now   func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]cachedQuote), now: time.Now}
}

// Get implements Cache.
func (m *MemoryCache) Get(_ context.Context, key string) (Quote, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return Quote{}, false, nil
	}
	if !m.now().Before(item.expires) {
		delete(m.items, key)
		return Quote{}, false, nil
	}
	return item.quote, true, nil
}

// Set implements Cache.
func (m *MemoryCache) Set(_ context.Context, key string, quote Quote, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = cachedQuote{quote: quote, expires: m.now().Add(ttl)}
	return nil
}

// RedisCacheConfig 描述 Redis 报价缓存的连接参数。
type RedisCacheConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisCache shares quotes between daemon replicas through Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pulsefi:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

// Get implements Cache.
func (r *RedisCache) Get(ctx context.Context, key string) (Quote, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, fmt.Errorf("读取报价缓存失败: %w", err)
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return Quote{}, false, fmt.Errorf("解析报价缓存失败: %w", err)
	}
	return q, true, nil
}

// Set implements Cache.
func (r *RedisCache) Set(ctx context.Context, key string, quote Quote, ttl time.Duration) error {
	raw, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("序列化报价失败: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("写入报价缓存失败: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

var (
	_ Cache     = (*MemoryCache)(nil)
	_ Cache     = (*RedisCache)(nil)
	_ io.Closer = (*RedisCache)(nil)
	_ Quoter    = (*CachedQuoter)(nil)
)

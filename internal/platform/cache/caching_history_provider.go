package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tradecoach_backend/internal/feature/market/domain/entity"
)

// HistoryProvider is the candle backfill read path being decorated.
// Goの慣例に従い、インターフェースはコンシューマー側で定義します。
type HistoryProvider interface {
	History(ctx context.Context, symbol string, limit int) ([]entity.Candle, error)
}

// CachingHistoryProvider decorates a HistoryProvider with Redis caching.
// It implements the decorator pattern, transparently adding caching without
// modifying the underlying provider.
type CachingHistoryProvider struct {
	inner     HistoryProvider
	rdb       *redis.Client
	ttl       time.Duration
	namespace string
}

// NewCachingHistoryProvider decorates a HistoryProvider with Redis caching.
// If ttl is 0, it defaults to one minute (one candle bucket). If namespace
// is empty, it uses "candles".
func NewCachingHistoryProvider(rdb *redis.Client, ttl time.Duration, inner HistoryProvider, namespace string) *CachingHistoryProvider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if namespace == "" {
		namespace = "candles"
	}
	return &CachingHistoryProvider{
		inner:     inner,
		rdb:       rdb,
		ttl:       ttl,
		namespace: namespace,
	}
}

// History retrieves backfill candles, checking the cache first and falling
// back to the upstream provider.
func (c *CachingHistoryProvider) History(ctx context.Context, symbol string, limit int) ([]entity.Candle, error) {
	// Bypass cache if Redis is not configured
	if c.rdb == nil {
		return c.inner.History(ctx, symbol, limit)
	}

	key := c.cacheKey(symbol, limit)

	// 1) Check cache
	if b, err := c.rdb.Get(ctx, key).Bytes(); err == nil && len(b) > 0 {
		var out []entity.Candle
		if err := json.Unmarshal(b, &out); err == nil {
			return out, nil
		}
		// Delete corrupted cache entry
		_ = c.rdb.Del(ctx, key).Err()
	}

	// 2) Fallback to upstream
	out, err := c.inner.History(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}

	// 3) Store in cache (best effort)
	if b, err := json.Marshal(out); err == nil {
		_ = c.rdb.Set(ctx, key, b, c.ttl).Err()
	}

	return out, nil
}

// cacheKey generates a cache key for a specific query.
func (c *CachingHistoryProvider) cacheKey(symbol string, limit int) string {
	return fmt.Sprintf("%s:%s:%d", c.namespace, safe(symbol), limit)
}

// safe escapes characters that are problematic for Redis keys.
func safe(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}

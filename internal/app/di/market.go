// Package di provides dependency injection factories for creating application components.
package di

import (
	"time"

	"github.com/redis/go-redis/v9"

	"tradecoach_backend/internal/feature/market/domain/entity"
	"tradecoach_backend/internal/feature/market/feed/deriv"
	marketusecase "tradecoach_backend/internal/feature/market/usecase"
	"tradecoach_backend/internal/platform/cache"
	"tradecoach_backend/internal/platform/config"
)

// NewFeedClient creates the upstream venue client over the static catalog.
func NewFeedClient(cfg *config.AppConfig, catalog *entity.Catalog) *deriv.Client {
	return deriv.NewClient(cfg.Feed, catalog, cfg.Aggregator.BucketSeconds)
}

// NewHistoryProvider layers the Redis cache over aggregator history with
// venue backfill. A nil Redis client degrades to the uncached provider.
func NewHistoryProvider(cfg *config.AppConfig, rdb *redis.Client, agg *marketusecase.Aggregator, fetcher marketusecase.CandleFetcher) cache.HistoryProvider {
	backfill := marketusecase.NewBackfillHistory(agg, fetcher)
	ttl := time.Duration(cfg.Aggregator.BucketSeconds) * time.Second
	return cache.NewCachingHistoryProvider(rdb, ttl, backfill, "candles")
}

// NewSnapshotStore creates the shared latest-price mirror.
func NewSnapshotStore(cfg *config.AppConfig, rdb *redis.Client) *cache.SnapshotStore {
	ttl := time.Duration(cfg.Aggregator.SnapshotTTLSec) * time.Second
	return cache.NewSnapshotStore(rdb, "prices", ttl)
}

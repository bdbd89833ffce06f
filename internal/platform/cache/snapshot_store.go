// Package cache provides Redis-backed caching for market data.
package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore keeps the latest known price per symbol in a Redis hash so a
// freshly (re)connected client can be served the current state idempotently,
// even across a server restart. All operations are best effort: a nil client
// degrades to a no-op and the in-memory aggregator remains the source of
// truth while the process is up.
type SnapshotStore struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewSnapshotStore creates a SnapshotStore under the given key namespace.
func NewSnapshotStore(rdb *redis.Client, namespace string, ttl time.Duration) *SnapshotStore {
	if namespace == "" {
		namespace = "prices"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotStore{rdb: rdb, key: namespace + ":latest", ttl: ttl}
}

// Set records the latest price for a symbol.
func (s *SnapshotStore) Set(ctx context.Context, symbol string, price float64) {
	if s.rdb == nil {
		return
	}
	// Best effort: a cache write failure must never affect the tick path.
	_ = s.rdb.HSet(ctx, s.key, symbol, strconv.FormatFloat(price, 'f', -1, 64)).Err()
	_ = s.rdb.Expire(ctx, s.key, s.ttl).Err()
}

// All returns every cached latest price.
func (s *SnapshotStore) All(ctx context.Context) map[string]float64 {
	if s.rdb == nil {
		return nil
	}
	raw, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil || len(raw) == 0 {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for symbol, v := range raw {
		price, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out[symbol] = price
	}
	return out
}

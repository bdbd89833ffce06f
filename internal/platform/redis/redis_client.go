// Package redis constructs the shared Redis client.
package redis

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotConfigured is returned when no Redis host is set. The server runs
// without the price snapshot mirror and history cache in that case.
var ErrNotConfigured = errors.New("redis: REDIS_HOST not set")

// NewRedisClient connects using REDIS_HOST/REDIS_PORT/REDIS_PASSWORD and
// verifies the connection with a ping. The caller decides whether a
// failure is fatal.
func NewRedisClient() (*redis.Client, error) {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return nil, ErrNotConfigured
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	addr := host + ":" + port

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Redis connection failed", "address", addr, "error", err)
		return nil, err
	}

	slog.Info("Redis connection successful", "address", addr)
	return rdb, nil
}

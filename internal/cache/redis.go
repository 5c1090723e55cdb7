// Package cache wraps the Redis client used to hold the latest round
// snapshot, so a websocket client reconnecting past the hub's resync window
// gets a cheap cached state instead of nothing. The ledger and round engine
// never go through this package — Postgres and in-memory state remain the
// sources of truth for money and gameplay.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nutcas3/crashd/internal/config"
)

const snapshotKey = "crashd:round:snapshot"

// Service is a thin Redis client handle.
type Service struct {
	client *redis.Client
}

// New connects to Redis per cfg. The returned Service is usable even if the
// initial ping fails — callers treat cache misses/errors as "no snapshot
// available" rather than a fatal condition, since the cache is an
// optimization, not a durability boundary.
func New(cfg config.RedisConfig) *Service {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &Service{client: client}
}

// SetSnapshot caches the latest round snapshot payload as a JSON string.
func (s *Service) SetSnapshot(ctx context.Context, payload []byte) error {
	return s.client.Set(ctx, snapshotKey, payload, 0).Err()
}

// GetSnapshot returns the cached snapshot, or ("", redis.Nil) if none has
// been set yet.
func (s *Service) GetSnapshot(ctx context.Context) (string, error) {
	return s.client.Get(ctx, snapshotKey).Result()
}

// Health reports connectivity and pool stats in the shape the /health
// handler surfaces.
func (s *Service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stats := make(map[string]string)
	if _, err := s.client.Ping(ctx).Result(); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}
	stats["status"] = "up"
	stats["message"] = "Redis is healthy"
	return stats
}

// Close releases the underlying connection pool.
func (s *Service) Close() error {
	return s.client.Close()
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for the aggregated
// info snapshot, which is the hottest read path on the control surface.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultSnapshotTTL bounds how stale a cached info snapshot may be.
const DefaultSnapshotTTL = 2 * time.Second

// KeySnapshot is the Redis key holding the cached info snapshot.
const KeySnapshot = "mimir:cache:snapshot"

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SnapshotTTL time.Duration

	// Fallback behavior
	DisableOnError bool // If true, disable caching on Redis errors
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		SnapshotTTL:    DefaultSnapshotTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance. A failed ping disables the cache
// rather than failing startup.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		return &Cache{
			logger:   logger.With().Str("component", "cache").Logger(),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")

	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

// GetSnapshot retrieves the cached info snapshot. Returns false when the
// cache is cold, disabled, or holds unreadable data.
func (c *Cache) GetSnapshot(ctx context.Context, dest any) bool {
	if !c.IsAvailable() {
		return false
	}

	data, err := c.client.Get(ctx, KeySnapshot).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.handleError(err, "get_snapshot")
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Msg("failed to unmarshal cached snapshot")
		return false
	}
	return true
}

// SetSnapshot stores the info snapshot with the configured TTL.
func (c *Cache) SetSnapshot(ctx context.Context, value any) {
	if !c.IsAvailable() {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Debug().Err(err).Msg("marshal snapshot")
		return
	}

	ttl := c.config.SnapshotTTL
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	if err := c.client.Set(ctx, KeySnapshot, data, ttl).Err(); err != nil {
		c.handleError(err, "set_snapshot")
	}
}

// InvalidateSnapshot drops the cached snapshot, called after any write
// that changes language state.
func (c *Cache) InvalidateSnapshot(ctx context.Context) {
	if !c.IsAvailable() {
		return
	}
	if err := c.client.Del(ctx, KeySnapshot).Err(); err != nil {
		c.handleError(err, "invalidate_snapshot")
	}
}

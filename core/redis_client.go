// Package core provides Redis client abstractions for the fabric.
// This file implements a simplified Redis client wrapper with key
// namespacing and connection management. The wrapper satisfies the KVStore
// interface the event bus and soldier persist through.
//
// Namespacing:
// All keys are automatically prefixed with the configured namespace:
// - Event persistence: "tricortex:events:*"
// - Soldier cache sharing: "tricortex:soldier:*"
// - Runtime stats snapshots: "tricortex:stats:*"
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient provides a simplified Redis interface with key namespacing.
type RedisClient struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client
type RedisClientOptions struct {
	RedisURL  string
	Namespace string // Key namespace for organization
	Logger    Logger // Optional logger
}

// NewRedisClient creates a new Redis client with specified options
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}

	if opts.RedisURL == "" {
		opts.Logger.Error("Failed to initialize Redis client", map[string]interface{}{
			"error": "Redis URL is required",
		})
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"error":     err,
			"redis_url": opts.RedisURL,
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	client := redis.NewClient(redisOpt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		opts.Logger.Error("Failed to connect to Redis", map[string]interface{}{
			"error":     err,
			"namespace": opts.Namespace,
		})
		return nil, fmt.Errorf("failed to connect to Redis: %w", ErrConnectionFailed)
	}

	rc := &RedisClient{
		client:    client,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}

	rc.logger.Info("Redis client connected", map[string]interface{}{
		"namespace": opts.Namespace,
	})

	return rc, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	err := r.client.Close()
	if err != nil {
		r.logger.Error("Failed to close Redis client", map[string]interface{}{
			"error":     err,
			"namespace": r.namespace,
		})
	}
	return err
}

// GetNamespace returns the namespace being used
func (r *RedisClient) GetNamespace() string {
	return r.namespace
}

// formatKey formats a key with the namespace
func (r *RedisClient) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// HSet stores a field mapping under a hash key
func (r *RedisClient) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return r.client.HSet(ctx, r.formatKey(key), fields).Err()
}

// Expire sets a TTL on a key
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.formatKey(key), ttl).Err()
}

// Get retrieves a value
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Set stores a value with optional TTL
func (r *RedisClient) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
}

// Del deletes keys
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formattedKeys := make([]string, len(keys))
	for i, key := range keys {
		formattedKeys[i] = r.formatKey(key)
	}
	return r.client.Del(ctx, formattedKeys...).Err()
}

// HealthCheck verifies Redis connectivity
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	err := r.client.Ping(ctx).Err()
	if err != nil {
		r.logger.Error("Redis health check failed", map[string]interface{}{
			"error":     err,
			"namespace": r.namespace,
		})
	}
	return err
}

package redis

import (
	"context"
	"fmt"

	"loadmesh/pkg/config"

	"github.com/go-redis/redis/v8"
)

// RedisClient Redis client wrapper.
//
// A single Redis instance is the shared state store the whole protocol runs
// on: it gives read-after-write consistency and, via Lua scripts, atomic
// conditional writes. Those two properties are the only concurrency-control
// primitives the coordination protocol relies on.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates Redis client
func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisClientFromExisting wraps an already connected client. Used by
// tests and by callers that manage the connection themselves.
func NewRedisClientFromExisting(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// GetClient retrieves the underlying Redis client
func (r *RedisClient) GetClient() *redis.Client {
	return r.client
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

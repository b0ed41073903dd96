package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore handles Redis operations for replay protection and rate limiting.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client for the rate limiter and feed broker.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// nonceKey returns the key for nonce tracking.
func nonceKey(userID, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", userID, nonce)
}

// UseNonce atomically records a nonce for ttl. It reports false when the
// nonce was already used.
func (s *RedisStore) UseNonce(ctx context.Context, userID, nonce string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, nonceKey(userID, nonce), "1", ttl).Result()
}

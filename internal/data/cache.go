// Package data provides data access layer implementations.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for the gateway's Redis namespaces. Each component uses
// a disjoint namespace; all mutations are single-key atomic operations,
// so no cross-component locking is ever needed.
const (
	// KeyBreaker is the prefix for breaker state hashes: breaker:{service}
	KeyBreaker = "breaker"
	// KeyBucket is the prefix for throttle buckets: bucket:{id}:{class}
	KeyBucket = "bucket"
	// KeyRateWindow is the prefix for rate windows: ratewin:{id}:{class}:{window}
	KeyRateWindow = "ratewin"
	// KeyViolation is the prefix for violation counters: viol:{id}
	KeyViolation = "viol"
	// KeyBlock is the prefix for admission blocks: block:{id}
	KeyBlock = "block"
	// KeyNotFound is the prefix for per-IP 404 counters: notfound:{ip}
	KeyNotFound = "notfound"
	// KeyOccurrence is the prefix for threat occurrence counters: threatocc:{ip}:{type}
	KeyOccurrence = "threatocc"
	// KeyFlag is the prefix for countermeasure flags consumed by the
	// identity collaborator: flag:{name}:{id}
	KeyFlag = "flag"
)

// Countermeasure flag TTLs.
const (
	// TTLRequireMFA is how long a forced-MFA flag stays in effect.
	TTLRequireMFA = 24 * time.Hour
	// TTLLockAccount is how long an account lock flag stays in effect
	// pending manual review.
	TTLLockAccount = 24 * time.Hour
)

// ErrCacheNotFound is returned when a cache key does not exist
var ErrCacheNotFound = errors.New("cache: key not found")

// CacheClient defines the interface for generic JSON cache operations.
// Implementations must be thread-safe and handle serialization/deserialization.
type CacheClient interface {
	// Get retrieves a value from cache and deserializes it into dest.
	// Returns ErrCacheNotFound if key doesn't exist.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value in cache with the specified TTL.
	// The value is serialized to JSON before storage.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key from cache.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in cache.
	Exists(ctx context.Context, key string) (bool, error)
}

// redisCache is the Redis-based implementation of CacheClient.
type redisCache struct {
	client *redis.Client
}

// NewCacheClient creates a new Redis-based cache client.
// If the Redis client is nil, cache operations will gracefully fail.
func NewCacheClient(rdb *redis.Client) CacheClient {
	return &redisCache{
		client: rdb,
	}
}

// Get retrieves a value from cache and deserializes it into dest.
// Returns ErrCacheNotFound if the key doesn't exist (redis.Nil).
func (c *redisCache) Get(ctx context.Context, key string, dest interface{}) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheNotFound
		}
		return fmt.Errorf("cache: failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("cache: failed to unmarshal value for key %s: %w", key, err)
	}

	return nil
}

// Set stores a value in cache with the specified TTL.
// The value is serialized to JSON before storage.
func (c *redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal value for key %s: %w", key, err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: failed to set key %s: %w", key, err)
	}

	return nil
}

// Delete removes a key from cache.
func (c *redisCache) Delete(ctx context.Context, key string) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: failed to delete key %s: %w", key, err)
	}

	return nil
}

// Exists checks if a key exists in cache.
func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	if c.client == nil {
		return false, errors.New("cache: redis client is nil")
	}

	count, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: failed to check existence of key %s: %w", key, err)
	}

	return count > 0, nil
}

// BuildKey constructs a namespaced Redis key.
// Examples:
//   - BuildKey(KeyBlock, "ip:10.0.0.1") -> "block:ip:10.0.0.1"
//   - BuildKey(KeyRateWindow, "user:42", "captions", "minute") -> "ratewin:user:42:captions:minute"
func BuildKey(prefix string, parts ...string) string {
	key := prefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

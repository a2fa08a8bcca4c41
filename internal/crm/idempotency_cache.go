package crm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultIdempotencyPrefix = "callsync:idempotency:"
	defaultIdempotencyTTL    = 72 * time.Hour
)

// IdempotencyCache remembers which call a (user, idempotency key) pair created.
// It is advisory: the unique index on calls is the source of truth.
type IdempotencyCache interface {
	Lookup(ctx context.Context, userID int64, key string) (int64, bool, error)
	Remember(ctx context.Context, userID int64, key string, callID int64) error
}

// RedisIdempotencyCache stores idempotency mappings in Redis with a TTL.
type RedisIdempotencyCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyCache connects to Redis at the provided address and verifies the connection.
func NewRedisIdempotencyCache(ctx context.Context, address string, ttl time.Duration) (*RedisIdempotencyCache, error) {
	client := redis.NewClient(&redis.Options{Addr: address})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisIdempotencyCacheWithClient(client, ttl), nil
}

// NewRedisIdempotencyCacheWithClient wraps an existing Redis client.
func NewRedisIdempotencyCacheWithClient(client *redis.Client, ttl time.Duration) *RedisIdempotencyCache {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &RedisIdempotencyCache{
		client: client,
		prefix: defaultIdempotencyPrefix,
		ttl:    ttl,
	}
}

func (c *RedisIdempotencyCache) key(userID int64, idempotencyKey string) string {
	return c.prefix + strconv.FormatInt(userID, 10) + ":" + idempotencyKey
}

// Lookup returns the call id remembered for the pair, if any.
func (c *RedisIdempotencyCache) Lookup(ctx context.Context, userID int64, idempotencyKey string) (int64, bool, error) {
	callID, err := c.client.Get(ctx, c.key(userID, idempotencyKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return callID, true, nil
}

// Remember stores the pair's call id until the TTL elapses.
func (c *RedisIdempotencyCache) Remember(ctx context.Context, userID int64, idempotencyKey string, callID int64) error {
	if err := c.client.Set(ctx, c.key(userID, idempotencyKey), callID, c.ttl).Err(); err != nil {
		return fmt.Errorf("remember idempotency key: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisIdempotencyCache) Close() error {
	return c.client.Close()
}

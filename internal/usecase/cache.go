package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/faceshape-relay/internal/config"
)

// StatusCache tracks in-flight and finished relays by request id.
type StatusCache interface {
	MarkProcessing(ctx context.Context, requestID string) error
	Store(ctx context.Context, status Status) error
	// Lookup returns ErrStatusNotFound when the request is unknown or expired.
	Lookup(ctx context.Context, requestID string) (*Status, error)
}

// redisKV is the subset of the go-redis client the status cache needs.
type redisKV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStatusCache keeps relay status under relay:<request id>. A request in flight is
// stored as the bare string "processing"; a finished one as its JSON Status.
type RedisStatusCache struct {
	client redisKV
	ttl    time.Duration
}

// NewRedisStatusCache wraps an existing client. Entries expire after ttl, or after
// config.DefaultStatusTTL when ttl is not positive.
func NewRedisStatusCache(client redisKV, ttl time.Duration) *RedisStatusCache {
	if ttl <= 0 {
		ttl = config.DefaultStatusTTL
	}
	return &RedisStatusCache{client: client, ttl: ttl}
}

func (c *RedisStatusCache) MarkProcessing(ctx context.Context, requestID string) error {
	return c.client.Set(ctx, statusKey(requestID), StateProcessing, c.ttl).Err()
}

func (c *RedisStatusCache) Store(ctx context.Context, status Status) error {
	serialized, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKey(status.RequestID), string(serialized), c.ttl).Err()
}

func (c *RedisStatusCache) Lookup(ctx context.Context, requestID string) (*Status, error) {
	cached, err := c.client.Get(ctx, statusKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, err
	}
	if cached == StateProcessing {
		return &Status{RequestID: requestID, State: StateProcessing}, nil
	}
	var status Status
	if err := json.Unmarshal([]byte(cached), &status); err != nil {
		return nil, fmt.Errorf("decode cached status: %w", err)
	}
	return &status, nil
}

func statusKey(requestID string) string {
	return "relay:" + requestID
}

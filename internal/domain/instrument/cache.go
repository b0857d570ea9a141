package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StatusCache remembers the last status reported by each analyser so
// worklist screens do not hit the instrument on every refresh.
type StatusCache interface {
	Get(ctx context.Context, tenantID, equipmentID uuid.UUID) (*Status, bool, error)
	Set(ctx context.Context, tenantID, equipmentID uuid.UUID, s Status) error
}

type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusCache opens a client from a redis:// URL and pings it.
func NewRedisStatusCache(ctx context.Context, url string, ttl time.Duration) (*RedisStatusCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStatusCache{client: client, ttl: ttl}, nil
}

func statusKey(tenantID, equipmentID uuid.UUID) string {
	return fmt.Sprintf("lims:%s:equipment:%s:status", tenantID, equipmentID)
}

func (c *RedisStatusCache) Get(ctx context.Context, tenantID, equipmentID uuid.UUID) (*Status, bool, error) {
	raw, err := c.client.Get(ctx, statusKey(tenantID, equipmentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var s Status
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("decode cached status: %w", err)
	}
	return &s, true, nil
}

func (c *RedisStatusCache) Set(ctx context.Context, tenantID, equipmentID uuid.UUID, s Status) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKey(tenantID, equipmentID), raw, c.ttl).Err()
}

func (c *RedisStatusCache) Close() error { return c.client.Close() }

// Ping lets the health endpoint report on Redis.
func (c *RedisStatusCache) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/world-exchange/internal/model"
)

// RedisSnapshotCache keeps serialized rate and price snapshots in Redis with
// a TTL. It is a read-through cache: PostgreSQL stays the record of truth and
// a cache absence only costs latency.
type RedisSnapshotCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisSnapshotCache creates a snapshot cache with the given entry TTL.
func NewRedisSnapshotCache(rdb redis.UniversalClient, ttl time.Duration) *RedisSnapshotCache {
	return &RedisSnapshotCache{rdb: rdb, ttl: ttl}
}

func (c *RedisSnapshotCache) GetRates(ctx context.Context) (*model.RateSnapshot, error) {
	var snap model.RateSnapshot
	ok, err := c.get(ctx, ratesKey, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

func (c *RedisSnapshotCache) SetRates(ctx context.Context, snap *model.RateSnapshot) error {
	return c.set(ctx, ratesKey, snap)
}

func (c *RedisSnapshotCache) GetPrices(ctx context.Context, resourceID string) (*model.PriceSnapshot, error) {
	var snap model.PriceSnapshot
	ok, err := c.get(ctx, pricesKey(resourceID), &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

func (c *RedisSnapshotCache) SetPrices(ctx context.Context, snap *model.PriceSnapshot) error {
	return c.set(ctx, pricesKey(snap.ResourceID), snap)
}

// --- Cache helpers ---

func (c *RedisSnapshotCache) get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		// A corrupt entry behaves like a miss; the next write replaces it.
		return false, nil
	}
	return true, nil
}

func (c *RedisSnapshotCache) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, c.ttl).Err()
}

const ratesKey = "fx:rates"

func pricesKey(resourceID string) string { return fmt.Sprintf("prices:%s", resourceID) }

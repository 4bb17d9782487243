package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const snapshotKeyPrefix = "gatewayhub:snapshot:"

// SnapshotCache keeps the last raw sensor payload per gateway in Redis so
// read APIs can serve it without touching Postgres. The DB row remains the
// durable copy; the cache is rebuilt lazily on miss.
type SnapshotCache struct {
	rdb *redis.Client
}

func NewSnapshotCache(rdb *redis.Client) *SnapshotCache {
	return &SnapshotCache{rdb: rdb}
}

func (c *SnapshotCache) Get(ctx context.Context, gatewayID string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, snapshotKeyPrefix+gatewayID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (c *SnapshotCache) Set(ctx context.Context, gatewayID string, payload []byte) error {
	return c.rdb.Set(ctx, snapshotKeyPrefix+gatewayID, payload, 0).Err()
}

func (c *SnapshotCache) Delete(ctx context.Context, gatewayID string) error {
	return c.rdb.Del(ctx, snapshotKeyPrefix+gatewayID).Err()
}

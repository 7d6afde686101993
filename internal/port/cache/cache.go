// Package cache defines the port interface for caching.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetOrLoad returns the cached value for key, calling load and storing its
// result on a miss. Cache errors fall through to load; a failing load is
// never cached. A nil Cache always loads.
func GetOrLoad(ctx context.Context, c Cache, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if c != nil {
		if v, ok, err := c.Get(ctx, key); err == nil && ok {
			return v, nil
		}
	}
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if c != nil {
		_ = c.Set(ctx, key, v, ttl)
	}
	return v, nil
}

package cache

import (
	"context"
	"time"
)

// Cache is a small JSON document cache. Implementations treat corrupt
// entries as misses.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Remember serves key from c, filling it from fn on a miss. A nil cache or a
// cache error degrades to calling fn directly, never to a request failure.
func Remember[T any](ctx context.Context, c Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var out T
	if c != nil {
		if hit, err := c.GetJSON(ctx, key, &out); err == nil && hit {
			return out, nil
		}
	}

	out, err := fn(ctx)
	if err != nil {
		return out, err
	}

	if c != nil {
		_ = c.SetJSON(ctx, key, out, ttl)
	}
	return out, nil
}

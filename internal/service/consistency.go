package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iliyamo/genchat/internal/cache"
	"github.com/iliyamo/genchat/internal/retry"
)

// mirror applies the cache-aside rules on top of a Cache.  Every cache
// failure is logged and absorbed here; none reaches a caller.
type mirror struct {
	cache Cache
	log   *slog.Logger
}

func newMirror(c Cache, log *slog.Logger) mirror {
	if c == nil {
		c = cache.New(nil, retry.Policy{}, log)
	}
	return mirror{cache: c, log: log}
}

// warn logs a cache failure unless the cache is simply switched off.
func (m mirror) warn(msg, key string, err error) {
	if errors.Is(err, cache.ErrDisabled) {
		return
	}
	m.log.Warn(msg, "key", key, "error", err)
}

// set overwrites key with v.
func (m mirror) set(ctx context.Context, key string, v any, ttl time.Duration) {
	if err := m.cache.SetJSON(ctx, key, v, ttl); err != nil {
		m.warn("cache write failed", key, err)
	}
}

// refresh overwrites key only while it exists, so a late writer cannot
// resurrect an entry another caller already removed.
func (m mirror) refresh(ctx context.Context, key string, v any, ttl time.Duration) {
	if _, err := m.cache.Refresh(ctx, key, v, ttl); err != nil {
		m.warn("cache write failed", key, err)
	}
}

// invalidate deletes keys so the next read repopulates them.
func (m mirror) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := m.cache.Delete(ctx, keys...); err != nil {
		m.warn("cache invalidate failed", keys[0], err)
	}
}

// invalidatePattern deletes every key matching pattern.
func (m mirror) invalidatePattern(ctx context.Context, pattern string) {
	if _, err := m.cache.DeletePattern(ctx, pattern); err != nil {
		m.warn("cache pattern invalidate failed", pattern, err)
	}
}

// readThrough returns the cached value at key, or loads it from the durable
// store and writes it back with ttl.  A cache error counts as a miss.
func readThrough[T any](ctx context.Context, m mirror, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	var v T
	hit, err := m.cache.GetJSON(ctx, key, &v)
	if err != nil {
		m.warn("cache read failed", key, err)
	}
	if hit && err == nil {
		return v, nil
	}
	v, err = load(ctx)
	if err != nil {
		return v, err
	}
	m.set(ctx, key, v, ttl)
	return v, nil
}

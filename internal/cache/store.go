// Package cache is the Redis adapter behind the cache-aside projections.
// Every call goes through the shared retry policy.  A Store built without a
// client is disabled: each call returns ErrDisabled and callers fall back to
// MySQL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/genchat/internal/retry"
)

// ErrDisabled is returned by every operation of a Store without a client.
var ErrDisabled = errors.New("cache disabled")

const scanBatch = 200

// Store wraps a go-redis client.
type Store struct {
	rdb   *redis.Client
	retry retry.Policy
	log   *slog.Logger
}

// New returns a Store.  rdb may be nil.
func New(rdb *redis.Client, policy retry.Policy, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{rdb: rdb, retry: policy, log: log.With("component", "cache")}
}

// Enabled reports whether a client is attached.
func (s *Store) Enabled() bool { return s != nil && s.rdb != nil }

func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if err := s.retry.Do(ctx, isTransient, fn); err != nil {
		s.log.Debug("redis call failed", "op", op, "error", err)
		return fmt.Errorf("cache %s: %w", op, err)
	}
	return nil
}

// GetJSON decodes the value at key into dst.  hit is false on a miss.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) (hit bool, err error) {
	var raw []byte
	err = s.do(ctx, "get", func(ctx context.Context) error {
		b, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			raw = nil
			return nil
		}
		raw = b
		return err
	})
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v as JSON under key with the given TTL.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return s.do(ctx, "set", func(ctx context.Context) error {
		return s.rdb.Set(ctx, key, raw, ttl).Err()
	})
}

// Refresh overwrites key only if it is still present.  It reports whether
// the value was written.
func (s *Store) Refresh(ctx context.Context, key string, v any, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("cache encode %s: %w", key, err)
	}
	var ok bool
	err = s.do(ctx, "setxx", func(ctx context.Context) error {
		var err error
		ok, err = s.rdb.SetXX(ctx, key, raw, ttl).Result()
		return err
	})
	return ok, err
}

// Delete removes the given keys.  Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.do(ctx, "del", func(ctx context.Context) error {
		return s.rdb.Del(ctx, keys...).Err()
	})
}

// Scan returns every key matching pattern, walking the keyspace with SCAN so
// the server is never blocked by KEYS.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.do(ctx, "scan", func(ctx context.Context) error {
		keys = keys[:0]
		iter := s.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// DeletePattern removes every key matching pattern and returns how many
// were found.
func (s *Store) DeletePattern(ctx context.Context, pattern string) (int, error) {
	keys, err := s.Scan(ctx, pattern)
	if err != nil {
		return 0, err
	}
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		if err := s.Delete(ctx, keys[start:end]...); err != nil {
			return start, err
		}
	}
	return len(keys), nil
}

// incrScript increments a counter and gives it a TTL whenever it has none,
// in one round trip.  A retried call therefore cannot leave the key without
// an expiry.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if tonumber(ARGV[1]) > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Incr increments the counter at key.  The window starts at the first
// increment; a counter found without a TTL gets one.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := s.do(ctx, "incr", func(ctx context.Context) error {
		var err error
		n, err = incrScript.Run(ctx, s.rdb, []string{key}, ttl.Milliseconds()).Int64()
		return err
	})
	return n, err
}

// Counter reads an integer counter; a missing key reads as zero.
func (s *Store) Counter(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, "get", func(ctx context.Context) error {
		v, err := s.rdb.Get(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			n = 0
			return nil
		}
		n = v
		return err
	})
	return n, err
}

// isTransient reports connection-level failures worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Package kv is the broker's seam to the shared key-value store.
//
// Every subsystem persists through the Store interface: plain string keys
// with TTL, sets for the KOL registry, sorted sets for trade history, and
// atomic counters for the purchase-quota gate. The production implementation
// is Redis (see redis.go); tests use the in-memory Memory store.
//
// Counters rely on the store's atomic INCR/DECR — no read-modify-write
// across round trips is permitted on shared keys.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the key-value contract shared by all subsystems.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
	ZCard(ctx context.Context, key string) (int64, error)

	Close() error
}

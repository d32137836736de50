// Package kv is the shared TTL store used for caches, session bindings and
// live counters. Production deployments use Redis so every gateway instance
// sees the same state; a single instance may run on the in-process store.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by Get when the key does not exist.
var ErrNil = errors.New("kv: nil")

// ErrWrongType is returned when an operation targets a key holding another
// kind of value.
var ErrWrongType = errors.New("kv: operation against a key holding the wrong kind of value")

// TTL sentinels, matching the values Redis reports.
const (
	NoExpiry time.Duration = -1
	Missing  time.Duration = -2
)

// Store is the set of TTL-store primitives the gateway depends on.
// A ttl of 0 passed to Set or SetNX means the key does not expire.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime, NoExpiry or Missing.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Keys returns every live key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)
	// HSetMax stores v in field only when it exceeds the current value.
	HSetMax(ctx context.Context, key, field string, v int64) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Rename atomically replaces dst with src.
	Rename(ctx context.Context, src, dst string) error

	Ping(ctx context.Context) error
	Close() error
}

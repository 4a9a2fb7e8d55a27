// Package store adapts a key-value/hash/sorted-set store for the room
// repository. It knows nothing about rooms.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNil is returned when a key or hash field does not exist.
	ErrNil = errors.New("store: nil")
	// ErrWrongType is returned when a key holds a value of another type.
	ErrWrongType = errors.New("store: wrong type")
	ErrClosed    = errors.New("store: closed")
)

type Store interface {
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HMGet returns one value per field, "" for missing fields.
	HMGet(ctx context.Context, key string, fields ...string) ([]string, error)
	HSet(ctx context.Context, key, field, value string) error
	// HSetNXPair sets guardKey[guardField] only if it is absent and, in that
	// case only, sets key[field] in the same atomic step. It reports whether
	// the guard field was written.
	HSetNXPair(ctx context.Context, guardKey, guardField, guardValue, key, field, value string) (bool, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HLen(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRange returns members by rank in ascending score order. Negative
	// indexes count from the end, as in Redis.
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// Keys enumerates keys matching a glob pattern without blocking the store.
	Keys(ctx context.Context, pattern string) ([]string, error)
	Del(ctx context.Context, keys ...string) (int64, error)
}

var globReplacer = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

// EscapePattern escapes glob metacharacters so s only matches itself
// when embedded in a Keys pattern.
func EscapePattern(s string) string {
	return globReplacer.Replace(s)
}

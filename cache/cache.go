// Package cache defines the read-through cache used in front of token
// storage. Implementations must treat entries as disposable: a miss is
// always safe because the relational store remains the source of truth.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache: miss")

// Cache is a byte-oriented cache with per-entry TTLs.
type Cache interface {
	// Get returns the value for key, or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for at most ttl. A non-positive ttl is
	// rejected rather than stored forever.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Close releases any resources held by the cache.
	Close()
}

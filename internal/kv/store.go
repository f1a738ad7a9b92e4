// Package kv holds the string key-value primitives the cache client is built on.
package kv

import (
	"context"
	"time"
)

// Store is a string key-value store with optional per-key expiry.
//
// Get reports found=true for a present key even when its value is empty, so
// callers can tell an empty marker apart from an absent key. A zero ttl on Set
// stores the value without expiry.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

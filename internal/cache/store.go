// Package cache provides the distributed cache surface of the core: a raw
// key-value/set store with atomic SetNX (backing the TOTP replay guard and
// fixed-window rate limiting), and a typed lookup-through cache with a local
// LRU layer and cross-node invalidation over the store's pub/sub channel.
package cache

import (
	"context"
	"time"
)

// Store is the backend-agnostic cache protocol. Implementations: Memory
// (single process, tests) and Redis (production, cross-pod).
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error

	// SetNX atomically sets key if absent. Returns true when this call
	// created the key, false when it already existed.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments a counter, setting the TTL when the key
	// is created. Returns the post-increment value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	// Publish / Subscribe back the invalidation channel and the event bus.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)

	Close() error
}

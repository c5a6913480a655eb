package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// InvalidationChannel carries cross-node invalidation messages for every
// typed cache. Messages are tagged with the sender's node id; subscribers
// drop their own messages to avoid double work.
const InvalidationChannel = "cache:invalidation"

const (
	defaultLocalSize = 1000
	defaultLocalTTL  = 30 * time.Second
)

// Key addresses a typed cache entry.
type Key interface {
	PrimaryKey() string
}

// StringKey is the trivial Key for plain string identifiers.
type StringKey string

// PrimaryKey implements Key.
func (k StringKey) PrimaryKey() string { return string(k) }

type invalidationMsg struct {
	StoreID      string `json:"storeId"`
	Key          string `json:"key"`
	SourceNodeID string `json:"sourceNodeId"`
}

// Typed is a lookup-through cache: local LRU, then distributed store, then
// the lookup function. Concurrent lookups for the same primary key are
// deduplicated to a single in-flight computation.
type Typed[K Key, V any] struct {
	storeID string
	nodeID  string
	ttl     time.Duration
	store   Store
	lookup  func(context.Context, K) (V, error)
	local   *expirable.LRU[string, V]
	group   singleflight.Group
	unsub   func()
}

// TypedOption tweaks the local layer.
type TypedOption func(*typedConfig)

type typedConfig struct {
	localSize int
	localTTL  time.Duration
}

// WithLocal overrides the local LRU capacity and TTL.
func WithLocal(size int, ttl time.Duration) TypedOption {
	return func(c *typedConfig) {
		c.localSize = size
		c.localTTL = ttl
	}
}

// NewTyped builds a typed cache and subscribes it to the invalidation
// channel. Call Close to release the subscription.
func NewTyped[K Key, V any](
	store Store,
	nodeID string,
	storeID string,
	ttl time.Duration,
	lookup func(context.Context, K) (V, error),
	opts ...TypedOption,
) (*Typed[K, V], error) {
	cfg := typedConfig{localSize: defaultLocalSize, localTTL: defaultLocalTTL}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Typed[K, V]{
		storeID: storeID,
		nodeID:  nodeID,
		ttl:     ttl,
		store:   store,
		lookup:  lookup,
		local:   expirable.NewLRU[string, V](cfg.localSize, nil, cfg.localTTL),
	}

	unsub, err := store.Subscribe(context.Background(), InvalidationChannel, c.onInvalidation)
	if err != nil {
		return nil, fmt.Errorf("cache %s: subscribe invalidations: %w", storeID, err)
	}
	c.unsub = unsub
	return c, nil
}

// Get resolves a key through local, distributed, then lookup layers.
func (c *Typed[K, V]) Get(ctx context.Context, key K) (V, error) {
	pk := key.PrimaryKey()
	if v, ok := c.local.Get(pk); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(pk, func() (interface{}, error) {
		if v, ok := c.local.Get(pk); ok {
			return v, nil
		}

		raw, found, err := c.store.Get(ctx, c.storeKey(pk))
		if err != nil {
			// A broken backend degrades to lookup, never to failure.
			slog.Warn("cache_store_get_failed", "store", c.storeID, "key", pk, "error", err)
		} else if found {
			var v V
			if err := json.Unmarshal([]byte(raw), &v); err == nil {
				c.local.Add(pk, v)
				return v, nil
			}
			slog.Warn("cache_store_decode_failed", "store", c.storeID, "key", pk)
		}

		v, err := c.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		c.persist(ctx, pk, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate drops the entry locally, evicts it from the distributed store
// and broadcasts the eviction to every other node.
func (c *Typed[K, V]) Invalidate(ctx context.Context, key K) {
	pk := key.PrimaryKey()
	c.local.Remove(pk)

	if err := c.store.Del(ctx, c.storeKey(pk)); err != nil {
		slog.Warn("cache_store_del_failed", "store", c.storeID, "key", pk, "error", err)
	}

	msg, _ := json.Marshal(invalidationMsg{StoreID: c.storeID, Key: pk, SourceNodeID: c.nodeID})
	if err := c.store.Publish(ctx, InvalidationChannel, msg); err != nil {
		slog.Warn("cache_invalidation_publish_failed", "store", c.storeID, "key", pk, "error", err)
	}
}

// Close releases the invalidation subscription.
func (c *Typed[K, V]) Close() {
	if c.unsub != nil {
		c.unsub()
	}
}

func (c *Typed[K, V]) onInvalidation(payload []byte) {
	var msg invalidationMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("cache_invalidation_decode_failed", "store", c.storeID, "error", err)
		return
	}
	if msg.StoreID != c.storeID || msg.SourceNodeID == c.nodeID {
		return
	}
	c.local.Remove(msg.Key)
}

func (c *Typed[K, V]) persist(ctx context.Context, pk string, v V) {
	c.local.Add(pk, v)
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Warn("cache_store_encode_failed", "store", c.storeID, "key", pk, "error", err)
		return
	}
	if err := c.store.Set(ctx, c.storeKey(pk), string(raw), c.ttl); err != nil {
		slog.Warn("cache_store_set_failed", "store", c.storeID, "key", pk, "error", err)
	}
}

func (c *Typed[K, V]) storeKey(pk string) string {
	return "cache:" + c.storeID + ":" + pk
}

package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name string `json:"name"`
}

func newTestTyped(t *testing.T, store Store, nodeID string, lookups *atomic.Int64) *Typed[StringKey, record] {
	t.Helper()
	c, err := NewTyped(store, nodeID, "records", time.Minute,
		func(ctx context.Context, key StringKey) (record, error) {
			lookups.Add(1)
			if key == "missing" {
				return record{}, errors.New("no such record")
			}
			return record{Name: "record-" + string(key)}, nil
		})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestTyped_LookupThroughAndLocalHit(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	var lookups atomic.Int64
	c := newTestTyped(t, store, "node-1", &lookups)
	ctx := t.Context()

	v, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "record-a", v.Name)
	assert.Equal(t, int64(1), lookups.Load())

	// Second read is served from the local layer.
	v, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "record-a", v.Name)
	assert.Equal(t, int64(1), lookups.Load())
}

func TestTyped_DistributedLayerSharedAcrossNodes(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	var lookupsA, lookupsB atomic.Int64
	a := newTestTyped(t, store, "node-a", &lookupsA)
	b := newTestTyped(t, store, "node-b", &lookupsB)
	ctx := t.Context()

	_, err := a.Get(ctx, "shared")
	require.NoError(t, err)

	// Node B finds the serialized entry in the store and never runs lookup.
	v, err := b.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "record-shared", v.Name)
	assert.Equal(t, int64(1), lookupsA.Load())
	assert.Equal(t, int64(0), lookupsB.Load())
}

func TestTyped_LookupErrorNotCached(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	var lookups atomic.Int64
	c := newTestTyped(t, store, "node-1", &lookups)
	ctx := t.Context()

	_, err := c.Get(ctx, "missing")
	require.Error(t, err)
	_, err = c.Get(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, int64(2), lookups.Load())
}

func TestTyped_InvalidateEvictsEverywhere(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	var lookupsA, lookupsB atomic.Int64
	a := newTestTyped(t, store, "node-a", &lookupsA)
	b := newTestTyped(t, store, "node-b", &lookupsB)
	ctx := t.Context()

	_, err := a.Get(ctx, "k")
	require.NoError(t, err)
	_, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), lookupsB.Load())

	a.Invalidate(ctx, "k")

	// The broadcast drops node B's local copy; the store entry is gone too,
	// so the next read on B goes back to lookup.
	require.Eventually(t, func() bool {
		_, err := b.Get(ctx, "k")
		return err == nil && lookupsB.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTyped_BrokenStoreDegradesToLookup(t *testing.T) {
	var lookups atomic.Int64
	c, err := NewTyped(brokenStore{}, "node-1", "records", time.Minute,
		func(ctx context.Context, key StringKey) (record, error) {
			lookups.Add(1)
			return record{Name: string(key)}, nil
		})
	require.NoError(t, err)
	defer c.Close()

	v, err := c.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.Equal(t, "k", v.Name)
	assert.Equal(t, int64(1), lookups.Load())
}

// brokenStore fails every operation except Subscribe.
type brokenStore struct{}

var errBroken = errors.New("store unavailable")

func (brokenStore) Get(context.Context, string) (string, bool, error) { return "", false, errBroken }
func (brokenStore) Set(context.Context, string, string, time.Duration) error {
	return errBroken
}
func (brokenStore) Del(context.Context, string) error { return errBroken }
func (brokenStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errBroken
}
func (brokenStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errBroken
}
func (brokenStore) SAdd(context.Context, string, ...string) error       { return errBroken }
func (brokenStore) SMembers(context.Context, string) ([]string, error)  { return nil, errBroken }
func (brokenStore) SRem(context.Context, string, ...string) error       { return errBroken }
func (brokenStore) Publish(context.Context, string, []byte) error       { return errBroken }
func (brokenStore) Subscribe(context.Context, string, func([]byte)) (func(), error) {
	return func() {}, nil
}
func (brokenStore) Close() error { return nil }

package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest runs the same contract checks against both backends.
func storeUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	mem := NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })

	mr := miniredis.RunT(t)
	rs := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rs.Close() })

	return map[string]Store{"memory": mem, "redis": rs}
}

func TestStore_GetSetDel(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			_, found, err := store.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
			val, found, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "v", val)

			require.NoError(t, store.Del(ctx, "k"))
			_, found, err = store.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStore_SetNX(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			created, err := store.SetNX(ctx, "guard", "1", time.Minute)
			require.NoError(t, err)
			assert.True(t, created)

			created, err = store.SetNX(ctx, "guard", "1", time.Minute)
			require.NoError(t, err)
			assert.False(t, created)
		})
	}
}

func TestStore_Incr(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			n, err := store.Incr(ctx, "counter", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = store.Incr(ctx, "counter", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
		})
	}
}

func TestStore_Sets(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			require.NoError(t, store.SAdd(ctx, "set", "a", "b"))
			require.NoError(t, store.SAdd(ctx, "set", "b", "c"))

			members, err := store.SMembers(ctx, "set")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

			require.NoError(t, store.SRem(ctx, "set", "b"))
			members, err = store.SMembers(ctx, "set")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "c"}, members)
		})
	}
}

func TestStore_PubSub(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			received := make(chan []byte, 1)
			unsub, err := store.Subscribe(ctx, "test:channel", func(payload []byte) {
				received <- payload
			})
			require.NoError(t, err)
			defer unsub()

			require.NoError(t, store.Publish(ctx, "test:channel", []byte("hello")))

			select {
			case payload := <-received:
				assert.Equal(t, []byte("hello"), payload)
			case <-time.After(2 * time.Second):
				t.Fatal("message not delivered")
			}
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := t.Context()

	require.NoError(t, store.Set(ctx, "short", "v", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, found, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)

	// Expired keys behave as absent for SetNX.
	require.NoError(t, store.Set(ctx, "gone", "v", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	created, err := store.SetNX(ctx, "gone", "v2", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
}

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/audit"
	"github.com/parametricportal/backend/internal/cache"
	"github.com/parametricportal/backend/internal/reqctx"
)

func testLimiter(t *testing.T, store cache.Store) *Limiter {
	t.Helper()
	l := New(store, audit.Discard{})
	t.Cleanup(l.Close)
	return l
}

func requestCtx(t *testing.T, tenant string) context.Context {
	t.Helper()
	rc := reqctx.New(tenant)
	rc.IPAddress = "203.0.113.7"
	return reqctx.Inject(t.Context(), rc)
}

func TestConsume_UnknownPreset(t *testing.T) {
	l := testLimiter(t, cache.NewMemoryStore())
	err := l.Consume(requestCtx(t, "acme"), "no-such-preset")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
}

func TestConsume_FixedWindowExceeds(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	l := testLimiter(t, store)
	ctx := requestCtx(t, "acme")

	// The auth preset allows 5 per window.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Consume(ctx, "auth"), "request %d", i)
	}

	err := l.Consume(ctx, "auth")
	require.Error(t, err)
	ae := apperr.As(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.KindRateLimit, ae.Kind)
	assert.Equal(t, "email-verify", ae.RecoveryAction)
	assert.Greater(t, ae.RetryAfter, time.Duration(0))

	// The outcome is recorded for header emission.
	rl := reqctx.RateLimitFrom(ctx)
	require.NotNil(t, rl)
	assert.Equal(t, 5, rl.Limit)
	assert.Equal(t, 0, rl.Remaining)
}

func TestConsume_KeysIsolatedPerTenant(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	l := testLimiter(t, store)

	ctxA := requestCtx(t, "tenant-a")
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Consume(ctxA, "auth"))
	}
	require.Error(t, l.Consume(ctxA, "auth"))

	// Tenant B has an untouched budget.
	ctxB := requestCtx(t, "tenant-b")
	assert.NoError(t, l.Consume(ctxB, "auth"))
}

func TestConsume_FailClosedOnStoreFailure(t *testing.T) {
	l := testLimiter(t, failingStore{})
	ctx := requestCtx(t, "acme")

	// auth is a fail-closed preset: a broken store rejects.
	err := l.Consume(ctx, "auth")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindRateLimit))
}

func TestConsume_TokenBucketAllowsWithinBudget(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	l := testLimiter(t, store)
	ctx := requestCtx(t, "acme")

	// api: 100 tokens per minute, 1 per request. A short burst passes and
	// never touches the store.
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Consume(ctx, "api"))
	}
	rl := reqctx.RateLimitFrom(ctx)
	require.NotNil(t, rl)
	assert.Equal(t, 100, rl.Limit)
}

func TestConsume_TokenBucketFailOpenOnStoreFailure(t *testing.T) {
	// Token buckets are in-process; a broken store must not affect them.
	l := testLimiter(t, failingStore{})
	ctx := requestCtx(t, "acme")
	assert.NoError(t, l.Consume(ctx, "api"))
}

func TestConsume_TokenBucketExhausts(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	l := testLimiter(t, store)
	ctx := requestCtx(t, "acme")

	// Drain the burst; the first rejected call carries a retry window.
	var rejected error
	for i := 0; i < 150; i++ {
		if err := l.Consume(ctx, "api"); err != nil {
			rejected = err
			break
		}
	}
	require.Error(t, rejected)
	ae := apperr.As(rejected)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.KindRateLimit, ae.Kind)
	assert.Greater(t, ae.RetryAfter, time.Duration(0))
}

// failingStore errors on every counter operation.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errStoreDown
}
func (failingStore) Set(context.Context, string, string, time.Duration) error { return errStoreDown }
func (failingStore) Del(context.Context, string) error                        { return errStoreDown }
func (failingStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) SAdd(context.Context, string, ...string) error      { return errStoreDown }
func (failingStore) SMembers(context.Context, string) ([]string, error) { return nil, errStoreDown }
func (failingStore) SRem(context.Context, string, ...string) error      { return errStoreDown }
func (failingStore) Publish(context.Context, string, []byte) error      { return errStoreDown }
func (failingStore) Subscribe(context.Context, string, func([]byte)) (func(), error) {
	return func() {}, nil
}
func (failingStore) Close() error { return nil }

package mfa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/cache"
)

func TestLockout_BelowThreshold(t *testing.T) {
	l := NewLockout()
	defer l.Close()
	userID := uuid.New()

	for i := 0; i < lockoutThreshold-1; i++ {
		l.RecordFailure(userID)
		assert.NoError(t, l.Check(userID))
	}
}

func TestLockout_LocksAtThreshold(t *testing.T) {
	l := NewLockout()
	defer l.Close()
	userID := uuid.New()

	for i := 0; i < lockoutThreshold; i++ {
		l.RecordFailure(userID)
	}

	err := l.Check(userID)
	require.Error(t, err)
	ae := apperr.As(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.KindRateLimit, ae.Kind)
	assert.LessOrEqual(t, ae.RetryAfter, lockoutBase)
}

func TestLockout_Escalates(t *testing.T) {
	l := NewLockout()
	defer l.Close()
	userID := uuid.New()

	for i := 0; i < lockoutThreshold+3; i++ {
		l.RecordFailure(userID)
	}

	err := l.Check(userID)
	require.Error(t, err)
	ae := apperr.As(err)
	require.NotNil(t, ae)
	// Three doublings past the base, never past the cap.
	assert.Greater(t, ae.RetryAfter, lockoutBase)
	assert.LessOrEqual(t, ae.RetryAfter, lockoutCap)
}

func TestLockout_SuccessClears(t *testing.T) {
	l := NewLockout()
	defer l.Close()
	userID := uuid.New()

	for i := 0; i < lockoutThreshold; i++ {
		l.RecordFailure(userID)
	}
	require.Error(t, l.Check(userID))

	l.RecordSuccess(userID)
	assert.NoError(t, l.Check(userID))
}

func TestLockout_UsersIndependent(t *testing.T) {
	l := NewLockout()
	defer l.Close()
	locked, clean := uuid.New(), uuid.New()

	for i := 0; i < lockoutThreshold; i++ {
		l.RecordFailure(locked)
	}
	require.Error(t, l.Check(locked))
	assert.NoError(t, l.Check(clean))
}

func TestReplayGuard_MarksFirstUse(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	g := NewReplayGuard(store)
	ctx := t.Context()
	userID := uuid.New()

	assert.False(t, g.CheckAndMark(ctx, userID, 1000, "123456"))
	assert.True(t, g.CheckAndMark(ctx, userID, 1000, "123456"))

	// A different window or code is a fresh mark.
	assert.False(t, g.CheckAndMark(ctx, userID, 1001, "123456"))
	assert.False(t, g.CheckAndMark(ctx, userID, 1000, "654321"))
}

func TestReplayGuard_FailsClosed(t *testing.T) {
	g := NewReplayGuard(downStore{})
	assert.True(t, g.CheckAndMark(t.Context(), uuid.New(), 1000, "123456"))
}

// downStore rejects every operation.
type downStore struct{}

var errDown = errors.New("store down")

func (downStore) Get(context.Context, string) (string, bool, error) { return "", false, errDown }
func (downStore) Set(context.Context, string, string, time.Duration) error {
	return errDown
}
func (downStore) Del(context.Context, string) error { return errDown }
func (downStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errDown
}
func (downStore) Incr(context.Context, string, time.Duration) (int64, error) { return 0, errDown }
func (downStore) SAdd(context.Context, string, ...string) error              { return errDown }
func (downStore) SMembers(context.Context, string) ([]string, error)         { return nil, errDown }
func (downStore) SRem(context.Context, string, ...string) error              { return errDown }
func (downStore) Publish(context.Context, string, []byte) error              { return errDown }
func (downStore) Subscribe(context.Context, string, func([]byte)) (func(), error) {
	return func() {}, nil
}
func (downStore) Close() error { return nil }

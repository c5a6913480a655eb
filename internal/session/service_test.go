package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/audit"
	"github.com/parametricportal/backend/internal/cache"
	"github.com/parametricportal/backend/internal/crypto"
	"github.com/parametricportal/backend/internal/reqctx"
	"github.com/parametricportal/backend/internal/storage"
)

type sessionFixture struct {
	svc    *Service
	repo   *storage.Memory
	userID uuid.UUID
	ctx    context.Context
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	keyring, err := crypto.NewKeyring(make([]byte, 32))
	require.NoError(t, err)

	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	repo := storage.NewMemory()
	svc, err := NewService(repo, keyring, store, "node-test", audit.Discard{}, Config{})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	ctx := reqctx.Inject(t.Context(), reqctx.New("acme"))
	user, err := repo.Users().Insert(ctx, storage.User{
		Email:  "user@example.com",
		Role:   storage.RoleMember,
		Status: storage.StatusActive,
	})
	require.NoError(t, err)

	return &sessionFixture{svc: svc, repo: repo, userID: user.ID, ctx: ctx}
}

func TestCreate(t *testing.T) {
	f := newSessionFixture(t)

	tokens, err := f.svc.Create(f.ctx, f.userID, false)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.NotEqual(t, tokens.AccessToken, tokens.RefreshToken)
	assert.False(t, tokens.MFAPending)
	assert.True(t, tokens.RefreshExpiresAt.After(tokens.AccessExpiresAt))

	row, err := f.repo.Sessions().One(f.ctx, tokens.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, row.VerifiedAt)
	// Only HMACs touch storage, never the plaintext tokens.
	assert.NotEqual(t, tokens.AccessToken, row.Hash)
	assert.NotEqual(t, tokens.RefreshToken, row.RefreshHash)
}

func TestCreate_MFAPendingStartsUnverified(t *testing.T) {
	f := newSessionFixture(t)

	tokens, err := f.svc.Create(f.ctx, f.userID, true)
	require.NoError(t, err)
	assert.True(t, tokens.MFAPending)

	row, err := f.repo.Sessions().One(f.ctx, tokens.SessionID)
	require.NoError(t, err)
	assert.Nil(t, row.VerifiedAt)
}

func TestLookup(t *testing.T) {
	f := newSessionFixture(t)

	tokens, err := f.svc.Create(f.ctx, f.userID, false)
	require.NoError(t, err)

	sess, err := f.svc.Lookup(f.ctx, tokens.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, tokens.SessionID, sess.ID)
	assert.Equal(t, f.userID, sess.UserID)
	assert.Equal(t, reqctx.KindSession, sess.Kind)
	assert.NotNil(t, sess.VerifiedAt)
}

func TestLookup_UnknownToken(t *testing.T) {
	f := newSessionFixture(t)

	sess, err := f.svc.Lookup(f.ctx, "never-issued")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestLookup_CrossTenant(t *testing.T) {
	f := newSessionFixture(t)

	tokens, err := f.svc.Create(f.ctx, f.userID, false)
	require.NoError(t, err)

	// The HMAC key differs per tenant, so the hash never resolves.
	otherCtx := reqctx.Inject(t.Context(), reqctx.New("other"))
	sess, err := f.svc.Lookup(otherCtx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestLookup_ExpiredAccessWindow(t *testing.T) {
	f := newSessionFixture(t)

	tokens, err := f.svc.Create(f.ctx, f.userID, false)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().UTC().Add(16 * time.Minute) }
	sess, err := f.svc.Lookup(f.ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestRefresh_RotatesPair(t *testing.T) {
	f := newSessionFixture(t)

	tokens, err := f.svc.Create(f.ctx, f.userID, false)
	require.NoError(t, err)

	rotation, err := f.svc.Refresh(f.ctx, tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, tokens.SessionID, rotation.PreviousSessionID)
	assert.NotEqual(t, tokens.SessionID, rotation.Tokens.SessionID)
	assert.NotEqual(t, tokens.RefreshToken, rotation.Tokens.RefreshToken)
	assert.False(t, rotation.Tokens.MFAPending)

	// The old session row is gone.
	_, err = f.repo.Sessions().One(f.ctx, tokens.SessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRefresh_ReuseDetected(t *testing.T) {
	f := newSessionFixture(t)

	tokens, err := f.svc.Create(f.ctx, f.userID, false)
	require.NoError(t, err)

	_, err = f.svc.Refresh(f.ctx, tokens.RefreshToken)
	require.NoError(t, err)

	// Replaying the rotated-out token fails closed.
	_, err = f.svc.Refresh(f.ctx, tokens.RefreshToken)
	require.Error(t, err)
	ae := apperr.As(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.KindAuth, ae.Kind)
	assert.Equal(t, "invalid", ae.Reason)
}

func TestRefresh_Expired(t *testing.T) {
	f := newSessionFixture(t)

	tokens, err := f.svc.Create(f.ctx, f.userID, false)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().UTC().Add(31 * 24 * time.Hour) }
	_, err = f.svc.Refresh(f.ctx, tokens.RefreshToken)
	require.Error(t, err)
	assert.Equal(t, "expired", apperr.As(err).Reason)
}

func TestRefresh_DisabledUser(t *testing.T) {
	f := newSessionFixture(t)

	tokens, err := f.svc.Create(f.ctx, f.userID, false)
	require.NoError(t, err)

	require.NoError(t, f.repo.Users().SetStatus(f.ctx, f.userID, storage.StatusDisabled))
	_, err = f.svc.Refresh(f.ctx, tokens.RefreshToken)
	require.Error(t, err)
	assert.Equal(t, "user_gone", apperr.As(err).Reason)
}

func TestRefresh_MFAEnabledSinceLastVerify(t *testing.T) {
	f := newSessionFixture(t)

	tokens, err := f.svc.Create(f.ctx, f.userID, false)
	require.NoError(t, err)

	// The user enables MFA elsewhere after this session was created.
	enabledAt := time.Now().UTC().Add(time.Minute)
	_, err = f.repo.MFASecrets().Upsert(f.ctx, storage.MFASecret{
		UserID:    f.userID,
		Encrypted: []byte("sealed"),
		EnabledAt: &enabledAt,
	})
	require.NoError(t, err)

	rotation, err := f.svc.Refresh(f.ctx, tokens.RefreshToken)
	require.NoError(t, err)
	assert.True(t, rotation.Tokens.MFAPending)
}

func TestVerify_StampsSession(t *testing.T) {
	f := newSessionFixture(t)

	tokens, err := f.svc.Create(f.ctx, f.userID, true)
	require.NoError(t, err)

	require.NoError(t, f.svc.Verify(f.ctx, tokens.SessionID))
	row, err := f.repo.Sessions().One(f.ctx, tokens.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, row.VerifiedAt)
}

func TestVerify_UnknownSession(t *testing.T) {
	f := newSessionFixture(t)

	err := f.svc.Verify(f.ctx, uuid.New())
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindAuth))
}

func TestRevoke(t *testing.T) {
	f := newSessionFixture(t)

	tokens, err := f.svc.Create(f.ctx, f.userID, false)
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(f.ctx, tokens.SessionID))

	sess, err := f.svc.Lookup(f.ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Nil(t, sess)

	// Its refresh token dies with it.
	_, err = f.svc.Refresh(f.ctx, tokens.RefreshToken)
	require.Error(t, err)

	// Revoking again is a no-op.
	assert.NoError(t, f.svc.Revoke(f.ctx, tokens.SessionID))
}

func TestRevokeAll(t *testing.T) {
	f := newSessionFixture(t)

	first, err := f.svc.Create(f.ctx, f.userID, false)
	require.NoError(t, err)
	second, err := f.svc.Create(f.ctx, f.userID, false)
	require.NoError(t, err)

	rows, err := f.svc.List(f.ctx, f.userID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, f.svc.RevokeAll(f.ctx, f.userID))

	rows, err = f.svc.List(f.ctx, f.userID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	for _, token := range []string{first.AccessToken, second.AccessToken} {
		sess, err := f.svc.Lookup(f.ctx, token)
		require.NoError(t, err)
		assert.Nil(t, sess)
	}
}

// observingRepo counts transactions and can make the refresh-token insert of
// the next transaction fail.
type observingRepo struct {
	storage.Repository
	transactions int
	failInsert   bool
}

func (r *observingRepo) WithTransaction(ctx context.Context, fn func(context.Context, storage.Repository) error) error {
	r.transactions++
	return r.Repository.WithTransaction(ctx, func(ctx context.Context, tx storage.Repository) error {
		return fn(ctx, &observedTx{Repository: tx, parent: r})
	})
}

type observedTx struct {
	storage.Repository
	parent *observingRepo
}

func (v *observedTx) RefreshTokens() storage.RefreshTokenRepo {
	if v.parent.failInsert {
		return insertFailingRefreshTokens{v.Repository.RefreshTokens()}
	}
	return v.Repository.RefreshTokens()
}

type insertFailingRefreshTokens struct {
	storage.RefreshTokenRepo
}

func (insertFailingRefreshTokens) Insert(context.Context, storage.RefreshToken) (storage.RefreshToken, error) {
	return storage.RefreshToken{}, errors.New("insert rejected")
}

func newObservedService(t *testing.T) (*Service, *observingRepo, uuid.UUID, context.Context) {
	t.Helper()

	keyring, err := crypto.NewKeyring(make([]byte, 32))
	require.NoError(t, err)
	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	repo := &observingRepo{Repository: storage.NewMemory()}
	svc, err := NewService(repo, keyring, store, "node-test", audit.Discard{}, Config{})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	ctx := reqctx.Inject(t.Context(), reqctx.New("acme"))
	user, err := repo.Users().Insert(ctx, storage.User{
		Email:  "user@example.com",
		Role:   storage.RoleMember,
		Status: storage.StatusActive,
	})
	require.NoError(t, err)
	return svc, repo, user.ID, ctx
}

func TestRefresh_RotatesInOneTransaction(t *testing.T) {
	svc, repo, userID, ctx := newObservedService(t)

	tokens, err := svc.Create(ctx, userID, false)
	require.NoError(t, err)
	require.Equal(t, 1, repo.transactions)

	// Retiring the old pair and minting the replacement share a transaction,
	// so a crash in between cannot strand the user without a valid pair.
	_, err = svc.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.transactions)
}

func TestRefresh_MintFailureSurfacesError(t *testing.T) {
	svc, repo, userID, ctx := newObservedService(t)

	tokens, err := svc.Create(ctx, userID, false)
	require.NoError(t, err)

	repo.failInsert = true
	_, err = svc.Refresh(ctx, tokens.RefreshToken)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
}

package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/audit"
	"github.com/parametricportal/backend/internal/cache"
	"github.com/parametricportal/backend/internal/events"
	"github.com/parametricportal/backend/internal/reqctx"
	"github.com/parametricportal/backend/internal/storage"
)

type policyFixture struct {
	svc  *Service
	repo *storage.Memory
	ctx  context.Context
}

func newPolicyFixture(t *testing.T) *policyFixture {
	t.Helper()

	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewStoreBus(store)
	t.Cleanup(func() { _ = bus.Close() })

	repo := storage.NewMemory()
	svc, err := NewService(repo, store, "node-test", bus, audit.Discard{})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &policyFixture{
		svc:  svc,
		repo: repo,
		ctx:  reqctx.Inject(t.Context(), reqctx.New("acme")),
	}
}

// seedUser inserts an active user and binds a session for it.
func (f *policyFixture) seedUser(t *testing.T, role storage.Role, mfaVerified bool) context.Context {
	t.Helper()
	user, err := f.repo.Users().Insert(f.ctx, storage.User{
		Email:  string(role) + "@example.com",
		Role:   role,
		Status: storage.StatusActive,
	})
	require.NoError(t, err)

	sess := &reqctx.Session{ID: uuid.New(), UserID: user.ID, Kind: reqctx.KindSession}
	if mfaVerified {
		now := time.Now().UTC()
		sess.MFAEnabled = true
		sess.VerifiedAt = &now
	}
	return reqctx.WithSession(f.ctx, sess)
}

func TestRequire_NoSession(t *testing.T) {
	f := newPolicyFixture(t)
	err := f.svc.Require(f.ctx, "users", "read")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindAuth))
}

func TestRequire_GrantedPermission(t *testing.T) {
	f := newPolicyFixture(t)
	ctx := f.seedUser(t, storage.RoleMember, false)

	_, err := f.repo.Permissions().Grant(f.ctx, "acme", storage.RoleMember, "users", "read")
	require.NoError(t, err)

	assert.NoError(t, f.svc.Require(ctx, "users", "read"))
}

func TestRequire_MissingPermission(t *testing.T) {
	f := newPolicyFixture(t)
	ctx := f.seedUser(t, storage.RoleMember, false)

	err := f.svc.Require(ctx, "users", "read")
	require.Error(t, err)
	ae := apperr.As(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.KindForbidden, ae.Kind)
	assert.Equal(t, "Insufficient permissions", ae.Detail)
}

func TestRequire_InteractiveRejectsAPIKey(t *testing.T) {
	f := newPolicyFixture(t)
	user, err := f.repo.Users().Insert(f.ctx, storage.User{
		Email:  "svc@example.com",
		Role:   storage.RoleMember,
		Status: storage.StatusActive,
	})
	require.NoError(t, err)
	ctx := reqctx.WithSession(f.ctx, &reqctx.Session{
		ID: uuid.New(), UserID: user.ID, Kind: reqctx.KindAPIKey,
	})

	err = f.svc.Require(ctx, "sessions", "list")
	require.Error(t, err)
	assert.Equal(t, "Interactive session required", apperr.As(err).Detail)
}

func TestRequire_MFARules(t *testing.T) {
	f := newPolicyFixture(t)

	// Not enrolled at all.
	ctx := f.seedUser(t, storage.RoleAdmin, false)
	err := f.svc.Require(ctx, "policy", "grant")
	require.Error(t, err)
	assert.Equal(t, "MFA enrollment required", apperr.As(err).Detail)

	// Enrolled but this session never passed the challenge.
	user, err2 := f.repo.Users().Insert(f.ctx, storage.User{
		Email: "enrolled@example.com", Role: storage.RoleAdmin, Status: storage.StatusActive,
	})
	require.NoError(t, err2)
	ctx = reqctx.WithSession(f.ctx, &reqctx.Session{
		ID: uuid.New(), UserID: user.ID, Kind: reqctx.KindSession, MFAEnabled: true,
	})
	err = f.svc.Require(ctx, "policy", "grant")
	require.Error(t, err)
	assert.Equal(t, "MFA verification required", apperr.As(err).Detail)
}

func TestRequire_InactiveUser(t *testing.T) {
	f := newPolicyFixture(t)
	ctx := f.seedUser(t, storage.RoleMember, false)
	sess, err := reqctx.SessionFrom(ctx)
	require.NoError(t, err)

	require.NoError(t, f.repo.Users().SetStatus(f.ctx, sess.UserID, storage.StatusDisabled))
	err = f.svc.Require(ctx, "users", "read")
	require.Error(t, err)
	assert.Equal(t, "User is not active", apperr.As(err).Detail)
}

func TestRequire_UserGone(t *testing.T) {
	f := newPolicyFixture(t)
	ctx := reqctx.WithSession(f.ctx, &reqctx.Session{
		ID: uuid.New(), UserID: uuid.New(), Kind: reqctx.KindSession,
	})

	err := f.svc.Require(ctx, "users", "read")
	require.Error(t, err)
	assert.Equal(t, "user_gone", apperr.As(err).Reason)
}

func TestGrantAndRevoke(t *testing.T) {
	f := newPolicyFixture(t)
	ctx := f.seedUser(t, storage.RoleMember, false)

	require.NoError(t, f.svc.Grant(f.ctx, storage.RoleMember, "users", "read"))
	assert.NoError(t, f.svc.Require(ctx, "users", "read"))

	require.NoError(t, f.svc.Revoke(f.ctx, storage.RoleMember, "users", "read"))
	// The grant/revoke invalidated the cache, so the change is visible now.
	err := f.svc.Require(ctx, "users", "read")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

func TestRevoke_Unknown(t *testing.T) {
	f := newPolicyFixture(t)
	err := f.svc.Revoke(f.ctx, storage.RoleMember, "nothing", "here")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestPermissionsForRole(t *testing.T) {
	f := newPolicyFixture(t)

	perms, err := f.svc.PermissionsForRole(f.ctx, storage.RoleViewer)
	require.NoError(t, err)
	assert.Empty(t, perms)

	require.NoError(t, f.svc.Grant(f.ctx, storage.RoleViewer, "users", "read"))
	perms, err = f.svc.PermissionsForRole(f.ctx, storage.RoleViewer)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "users", perms[0].Resource)
}

func TestSeedTenant(t *testing.T) {
	f := newPolicyFixture(t)

	require.NoError(t, f.repo.WithTransaction(f.ctx, func(ctx context.Context, tx storage.Repository) error {
		return f.svc.SeedTenant(ctx, tx, "fresh-tenant")
	}))

	// Member gets the unprivileged set and nothing privileged.
	memberPerms, err := f.repo.Permissions().ByRole(f.ctx, "fresh-tenant", storage.RoleMember)
	require.NoError(t, err)
	assert.NotEmpty(t, memberPerms)
	for _, p := range memberPerms {
		entry, ok := lookupEntry(p.Resource, p.Action)
		require.True(t, ok)
		assert.False(t, entry.Privileged, "%s.%s seeded for member", p.Resource, p.Action)
	}

	// Admin and owner receive the full catalog.
	adminPerms, err := f.repo.Permissions().ByRole(f.ctx, "fresh-tenant", storage.RoleAdmin)
	require.NoError(t, err)
	assert.Len(t, adminPerms, len(Catalog))
	ownerPerms, err := f.repo.Permissions().ByRole(f.ctx, "fresh-tenant", storage.RoleOwner)
	require.NoError(t, err)
	assert.Len(t, ownerPerms, len(Catalog))
}

func TestPolicyChangedEvent_InvalidatesOtherNodes(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	bus := events.NewStoreBus(store)
	defer bus.Close()
	repo := storage.NewMemory()

	nodeA, err := NewService(repo, store, "node-a", bus, audit.Discard{})
	require.NoError(t, err)
	defer nodeA.Close()
	nodeB, err := NewService(repo, store, "node-b", bus, audit.Discard{})
	require.NoError(t, err)
	defer nodeB.Close()

	ctx := reqctx.Inject(t.Context(), reqctx.New("acme"))

	// Warm node B's cache with the empty permission set.
	perms, err := nodeB.PermissionsForRole(ctx, storage.RoleMember)
	require.NoError(t, err)
	assert.Empty(t, perms)

	// A grant on node A reaches node B through the bus.
	require.NoError(t, nodeA.Grant(ctx, storage.RoleMember, "users", "read"))
	require.Eventually(t, func() bool {
		perms, err := nodeB.PermissionsForRole(ctx, storage.RoleMember)
		return err == nil && len(perms) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

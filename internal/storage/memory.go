package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/backend/internal/reqctx"
)

// Memory is an in-process Repository used by tests and single-node
/// development. It honors the same tenant scoping rules as Postgres:
// tenant-owned rows are only visible to the tenant bound to ctx.
type Memory struct {
	mu sync.Mutex

	users         map[uuid.UUID]User
	sessions      map[uuid.UUID]Session
	refreshTokens map[uuid.UUID]RefreshToken
	identities    map[uuid.UUID]OAuthIdentity
	mfaSecrets    map[uuid.UUID]MFASecret
	permissions   map[uuid.UUID]Permission
	apps          map[string]App
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[uuid.UUID]User),
		sessions:      make(map[uuid.UUID]Session),
		refreshTokens: make(map[uuid.UUID]RefreshToken),
		identities:    make(map[uuid.UUID]OAuthIdentity),
		mfaSecrets:    make(map[uuid.UUID]MFASecret),
		permissions:   make(map[uuid.UUID]Permission),
		apps:          make(map[string]App),
	}
}

func (m *Memory) Users() UserRepo                 { return memUsers{m} }
func (m *Memory) Sessions() SessionRepo           { return memSessions{m} }
func (m *Memory) RefreshTokens() RefreshTokenRepo { return memRefresh{m} }
func (m *Memory) OAuthAccounts() OAuthAccountRepo { return memIdentities{m} }
func (m *Memory) MFASecrets() MFASecretRepo       { return memMFA{m} }
func (m *Memory) Permissions() PermissionRepo     { return memPermissions{m} }
func (m *Memory) Apps() AppRepo                   { return memApps{m} }

// WithTransaction runs fn against the same store. The memory backend holds a
// single lock per operation; the serializing effect of FOR UPDATE is
// approximated by the row checks inside fn re-reading current state.
func (m *Memory) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	return fn(ctx, m)
}

func live(deletedAt *time.Time) bool { return deletedAt == nil }

func now() time.Time { return time.Now().UTC() }

// --- users ---

type memUsers struct{ m *Memory }

func (r memUsers) One(ctx context.Context, id uuid.UUID) (User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[id]
	if !ok || !live(u.DeletedAt) || u.TenantID != reqctx.TenantID(ctx) {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r memUsers) ByEmail(ctx context.Context, email string) (User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, u := range r.m.users {
		if u.Email == email && live(u.DeletedAt) && u.TenantID == reqctx.TenantID(ctx) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (r memUsers) Insert(ctx context.Context, u User) (User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.TenantID == "" {
		u.TenantID = reqctx.TenantID(ctx)
	}
	u.CreatedAt = now()
	u.UpdatedAt = u.CreatedAt
	r.m.users[u.ID] = u
	return u, nil
}

func (r memUsers) SetRole(ctx context.Context, id uuid.UUID, role Role) error {
	return r.mutate(ctx, id, func(u *User) { u.Role = role })
}

func (r memUsers) SetStatus(ctx context.Context, id uuid.UUID, status UserStatus) error {
	return r.mutate(ctx, id, func(u *User) { u.Status = status })
}

func (r memUsers) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.mutate(ctx, id, func(u *User) { t := now(); u.DeletedAt = &t })
}

func (r memUsers) mutate(ctx context.Context, id uuid.UUID, fn func(*User)) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[id]
	if !ok || !live(u.DeletedAt) || u.TenantID != reqctx.TenantID(ctx) {
		return ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = now()
	r.m.users[id] = u
	return nil
}

// --- sessions ---

type memSessions struct{ m *Memory }

func (r memSessions) Insert(ctx context.Context, s Session) (Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.TenantID == "" {
		s.TenantID = reqctx.TenantID(ctx)
	}
	s.CreatedAt = now()
	s.UpdatedAt = s.CreatedAt
	r.m.sessions[s.ID] = s
	return s, nil
}

func (r memSessions) One(ctx context.Context, id uuid.UUID) (Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sessions[id]
	if !ok || !live(s.DeletedAt) || s.TenantID != reqctx.TenantID(ctx) {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r memSessions) find(ctx context.Context, match func(Session) bool) (Session, error) {
	for _, s := range r.m.sessions {
		if live(s.DeletedAt) && s.TenantID == reqctx.TenantID(ctx) && match(s) {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (r memSessions) ByHash(ctx context.Context, hash string) (Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.find(ctx, func(s Session) bool { return s.Hash == hash })
}

func (r memSessions) ByRefreshHash(ctx context.Context, refreshHash string) (Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.find(ctx, func(s Session) bool { return s.RefreshHash == refreshHash })
}

func (r memSessions) ByRefreshHashForUpdate(ctx context.Context, refreshHash string) (Session, error) {
	return r.ByRefreshHash(ctx, refreshHash)
}

func (r memSessions) Touch(ctx context.Context, id uuid.UUID) error {
	return r.mutate(ctx, id, func(s *Session) {})
}

func (r memSessions) Verify(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.mutate(ctx, id, func(s *Session) { s.VerifiedAt = &at })
}

func (r memSessions) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.mutate(ctx, id, func(s *Session) { t := now(); s.DeletedAt = &t })
}

func (r memSessions) SoftDeleteByUser(ctx context.Context, userID uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t := now()
	for id, s := range r.m.sessions {
		if s.UserID == userID && live(s.DeletedAt) && s.TenantID == reqctx.TenantID(ctx) {
			s.DeletedAt = &t
			r.m.sessions[id] = s
		}
	}
	return nil
}

func (r memSessions) ByUser(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []Session
	for _, s := range r.m.sessions {
		if s.UserID == userID && live(s.DeletedAt) && s.TenantID == reqctx.TenantID(ctx) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r memSessions) mutate(ctx context.Context, id uuid.UUID, fn func(*Session)) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sessions[id]
	if !ok || !live(s.DeletedAt) || s.TenantID != reqctx.TenantID(ctx) {
		return ErrNotFound
	}
	fn(&s)
	s.UpdatedAt = now()
	r.m.sessions[id] = s
	return nil
}

// --- refresh tokens ---

type memRefresh struct{ m *Memory }

func (r memRefresh) Insert(ctx context.Context, t RefreshToken) (RefreshToken, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.TenantID == "" {
		t.TenantID = reqctx.TenantID(ctx)
	}
	t.CreatedAt = now()
	r.m.refreshTokens[t.ID] = t
	return t, nil
}

func (r memRefresh) ByHashForUpdate(ctx context.Context, hash string) (RefreshToken, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, t := range r.m.refreshTokens {
		if t.Hash == hash && live(t.DeletedAt) && t.TenantID == reqctx.TenantID(ctx) {
			return t, nil
		}
	}
	return RefreshToken{}, ErrNotFound
}

func (r memRefresh) SoftDelete(ctx context.Context, id uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.refreshTokens[id]
	if !ok || !live(t.DeletedAt) || t.TenantID != reqctx.TenantID(ctx) {
		return ErrNotFound
	}
	ts := now()
	t.DeletedAt = &ts
	r.m.refreshTokens[id] = t
	return nil
}

func (r memRefresh) SoftDeleteBySession(ctx context.Context, sessionID uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ts := now()
	for id, t := range r.m.refreshTokens {
		if t.SessionID == sessionID && live(t.DeletedAt) && t.TenantID == reqctx.TenantID(ctx) {
			t.DeletedAt = &ts
			r.m.refreshTokens[id] = t
		}
	}
	return nil
}

func (r memRefresh) SoftDeleteByUser(ctx context.Context, userID uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ts := now()
	for id, t := range r.m.refreshTokens {
		if t.UserID == userID && live(t.DeletedAt) && t.TenantID == reqctx.TenantID(ctx) {
			t.DeletedAt = &ts
			r.m.refreshTokens[id] = t
		}
	}
	return nil
}

// --- oauth identities ---

type memIdentities struct{ m *Memory }

func (r memIdentities) ByExternal(ctx context.Context, provider, externalID string) (OAuthIdentity, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, i := range r.m.identities {
		if i.Provider == provider && i.ExternalID == externalID && live(i.DeletedAt) && i.TenantID == reqctx.TenantID(ctx) {
			return i, nil
		}
	}
	return OAuthIdentity{}, ErrNotFound
}

func (r memIdentities) Upsert(ctx context.Context, identity OAuthIdentity) (OAuthIdentity, error) {
	existing, err := r.ByExternal(ctx, identity.Provider, identity.ExternalID)
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err == nil {
		existing.AccessEncrypted = identity.AccessEncrypted
		existing.RefreshEncrypted = identity.RefreshEncrypted
		existing.ExpiresAt = identity.ExpiresAt
		existing.Scope = identity.Scope
		r.m.identities[existing.ID] = existing
		return existing, nil
	}
	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}
	if identity.TenantID == "" {
		identity.TenantID = reqctx.TenantID(ctx)
	}
	identity.CreatedAt = now()
	r.m.identities[identity.ID] = identity
	return identity, nil
}

// --- mfa secrets ---

type memMFA struct{ m *Memory }

func (r memMFA) ByUser(ctx context.Context, userID uuid.UUID) (MFASecret, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, s := range r.m.mfaSecrets {
		if s.UserID == userID && live(s.DeletedAt) && s.TenantID == reqctx.TenantID(ctx) {
			return s, nil
		}
	}
	return MFASecret{}, ErrNotFound
}

func (r memMFA) Upsert(ctx context.Context, secret MFASecret) (MFASecret, error) {
	existing, err := r.ByUser(ctx, secret.UserID)
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err == nil {
		existing.Encrypted = secret.Encrypted
		existing.BackupHashes = secret.BackupHashes
		existing.EnabledAt = secret.EnabledAt
		r.m.mfaSecrets[existing.ID] = existing
		return existing, nil
	}
	if secret.ID == uuid.Nil {
		secret.ID = uuid.New()
	}
	if secret.TenantID == "" {
		secret.TenantID = reqctx.TenantID(ctx)
	}
	secret.CreatedAt = now()
	r.m.mfaSecrets[secret.ID] = secret
	return secret, nil
}

func (r memMFA) SetEnabled(ctx context.Context, userID uuid.UUID, at time.Time) error {
	return r.mutate(ctx, userID, func(s *MFASecret) { s.EnabledAt = &at })
}

func (r memMFA) SetBackupHashes(ctx context.Context, userID uuid.UUID, hashes []string) error {
	return r.mutate(ctx, userID, func(s *MFASecret) { s.BackupHashes = hashes })
}

func (r memMFA) SoftDelete(ctx context.Context, userID uuid.UUID) error {
	return r.mutate(ctx, userID, func(s *MFASecret) { t := now(); s.DeletedAt = &t })
}

func (r memMFA) mutate(ctx context.Context, userID uuid.UUID, fn func(*MFASecret)) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, s := range r.m.mfaSecrets {
		if s.UserID == userID && live(s.DeletedAt) && s.TenantID == reqctx.TenantID(ctx) {
			fn(&s)
			r.m.mfaSecrets[id] = s
			return nil
		}
	}
	return ErrNotFound
}

// --- permissions ---

type memPermissions struct{ m *Memory }

func (r memPermissions) ByRole(ctx context.Context, tenantID string, role Role) ([]Permission, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []Permission
	for _, p := range r.m.permissions {
		if p.TenantID == tenantID && p.Role == role && live(p.DeletedAt) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r memPermissions) Find(ctx context.Context, tenantID string, role Role, resource, action string) (Permission, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, p := range r.m.permissions {
		if p.TenantID == tenantID && p.Role == role && p.Resource == resource && p.Action == action && live(p.DeletedAt) {
			return p, nil
		}
	}
	return Permission{}, ErrNotFound
}

func (r memPermissions) Grant(ctx context.Context, tenantID string, role Role, resource, action string) (Permission, error) {
	if p, err := r.Find(ctx, tenantID, role, resource, action); err == nil {
		return p, nil
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p := Permission{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Role:      role,
		Resource:  resource,
		Action:    action,
		CreatedAt: now(),
	}
	r.m.permissions[p.ID] = p
	return p, nil
}

func (r memPermissions) Revoke(ctx context.Context, tenantID string, role Role, resource, action string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, p := range r.m.permissions {
		if p.TenantID == tenantID && p.Role == role && p.Resource == resource && p.Action == action && live(p.DeletedAt) {
			t := now()
			p.DeletedAt = &t
			r.m.permissions[id] = p
			return nil
		}
	}
	return ErrNotFound
}

// --- apps ---

type memApps struct{ m *Memory }

func (r memApps) One(ctx context.Context, id string) (App, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.apps[id]
	if !ok || !live(a.DeletedAt) {
		return App{}, ErrNotFound
	}
	return a, nil
}

func (r memApps) ByNamespace(ctx context.Context, namespace string) (App, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, a := range r.m.apps {
		if a.Namespace == namespace && live(a.DeletedAt) {
			return a, nil
		}
	}
	return App{}, ErrNotFound
}

func (r memApps) Insert(ctx context.Context, app App) (App, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	app.CreatedAt = now()
	r.m.apps[app.ID] = app
	return app, nil
}

func (r memApps) Drop(ctx context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.apps[id]
	if !ok || !live(a.DeletedAt) {
		return ErrNotFound
	}
	t := now()
	a.DeletedAt = &t
	r.m.apps[id] = a
	return nil
}

func (r memApps) ReadSettings(ctx context.Context, id string) ([]byte, error) {
	a, err := r.One(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Settings, nil
}

func (r memApps) UpdateSettings(ctx context.Context, id string, settings []byte) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.apps[id]
	if !ok || !live(a.DeletedAt) {
		return ErrNotFound
	}
	a.Settings = settings
	r.m.apps[id] = a
	return nil
}

// Package storage defines the repository contract the core consumes and its
// PostgreSQL implementation. Every method operates within the ambient tenant
// scope (rows are filtered by the tenant bound to the request context) unless
// documented as system-level.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row does not exist or is soft-deleted.
var ErrNotFound = errors.New("storage: not found")

// UserRepo accesses user rows.
type UserRepo interface {
	One(ctx context.Context, id uuid.UUID) (User, error)
	ByEmail(ctx context.Context, email string) (User, error)
	Insert(ctx context.Context, u User) (User, error)
	SetRole(ctx context.Context, id uuid.UUID, role Role) error
	SetStatus(ctx context.Context, id uuid.UUID, status UserStatus) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// SessionRepo accesses session rows.
type SessionRepo interface {
	Insert(ctx context.Context, s Session) (Session, error)
	One(ctx context.Context, id uuid.UUID) (Session, error)
	ByHash(ctx context.Context, hash string) (Session, error)
	ByRefreshHash(ctx context.Context, refreshHash string) (Session, error)
	// ByRefreshHashForUpdate locks the row (SELECT ... FOR UPDATE) so
	// concurrent refreshes of the same token serialize.
	ByRefreshHashForUpdate(ctx context.Context, refreshHash string) (Session, error)
	// Touch bumps updated_at for activity tracking.
	Touch(ctx context.Context, id uuid.UUID) error
	// Verify stamps verified_at after a successful MFA check.
	Verify(ctx context.Context, id uuid.UUID, at time.Time) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	SoftDeleteByUser(ctx context.Context, userID uuid.UUID) error
	ByUser(ctx context.Context, userID uuid.UUID) ([]Session, error)
}

// RefreshTokenRepo accesses refresh-token rows.
type RefreshTokenRepo interface {
	Insert(ctx context.Context, t RefreshToken) (RefreshToken, error)
	ByHashForUpdate(ctx context.Context, hash string) (RefreshToken, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	SoftDeleteBySession(ctx context.Context, sessionID uuid.UUID) error
	SoftDeleteByUser(ctx context.Context, userID uuid.UUID) error
}

// OAuthAccountRepo accesses provider identity rows.
type OAuthAccountRepo interface {
	ByExternal(ctx context.Context, provider, externalID string) (OAuthIdentity, error)
	Upsert(ctx context.Context, identity OAuthIdentity) (OAuthIdentity, error)
}

// MFASecretRepo accesses MFA secret rows.
type MFASecretRepo interface {
	ByUser(ctx context.Context, userID uuid.UUID) (MFASecret, error)
	Upsert(ctx context.Context, secret MFASecret) (MFASecret, error)
	SetEnabled(ctx context.Context, userID uuid.UUID, at time.Time) error
	SetBackupHashes(ctx context.Context, userID uuid.UUID, hashes []string) error
	SoftDelete(ctx context.Context, userID uuid.UUID) error
}

// PermissionRepo accesses permission rows.
type PermissionRepo interface {
	ByRole(ctx context.Context, tenantID string, role Role) ([]Permission, error)
	Find(ctx context.Context, tenantID string, role Role, resource, action string) (Permission, error)
	Grant(ctx context.Context, tenantID string, role Role, resource, action string) (Permission, error)
	Revoke(ctx context.Context, tenantID string, role Role, resource, action string) error
}

// AppRepo accesses tenant/app rows. System-level: not tenant-filtered.
type AppRepo interface {
	One(ctx context.Context, id string) (App, error)
	ByNamespace(ctx context.Context, namespace string) (App, error)
	Insert(ctx context.Context, app App) (App, error)
	Drop(ctx context.Context, id string) error
	ReadSettings(ctx context.Context, id string) ([]byte, error)
	UpdateSettings(ctx context.Context, id string, settings []byte) error
}

// Repository is the storage surface consumed by the core.
type Repository interface {
	Users() UserRepo
	Sessions() SessionRepo
	RefreshTokens() RefreshTokenRepo
	OAuthAccounts() OAuthAccountRepo
	MFASecrets() MFASecretRepo
	Permissions() PermissionRepo
	Apps() AppRepo

	// WithTransaction opens a transaction scoped to the tenant bound to
	// ctx: the tenant directive runs on the connection first, so row-level
	// policies filter every statement inside. Commits on nil, rolls back
	// on error or cancellation. The transactional repository must not
	// escape fn.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
}

package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role is the coarse per-tenant access tier of a user.
type Role string

const (
	RoleGuest  Role = "guest"
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

var roleRanks = map[Role]int{
	RoleGuest:  0,
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

// Rank returns the role's position in the hierarchy; unknown roles rank -1.
func (r Role) Rank() int {
	if rank, ok := roleRanks[r]; ok {
		return rank
	}
	return -1
}

// UserStatus gates whether a user may authenticate.
type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
	StatusPending  UserStatus = "pending"
)

// User is a tenant-owned account row.
type User struct {
	ID        uuid.UUID
	TenantID  string
	Email     string
	Role      Role
	Status    UserStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Session is a persisted session row. Hash and RefreshHash are tenant-keyed
// HMACs of the opaque tokens; (tenant_id, hash) is unique among live rows.
type Session struct {
	ID               uuid.UUID
	TenantID         string
	UserID           uuid.UUID
	Hash             string
	RefreshHash      string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	VerifiedAt       *time.Time
	IPAddress        string
	UserAgent        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// RefreshToken mirrors the session shape with a refresh-only validity window.
type RefreshToken struct {
	ID        uuid.UUID
	TenantID  string
	UserID    uuid.UUID
	SessionID uuid.UUID
	Hash      string
	ExpiresAt time.Time
	CreatedAt time.Time
	DeletedAt *time.Time
}

// OAuthIdentity links a provider account to a user. (provider, external_id)
// is unique among live rows.
type OAuthIdentity struct {
	ID               uuid.UUID
	TenantID         string
	UserID           uuid.UUID
	Provider         string
	ExternalID       string
	AccessEncrypted  []byte
	RefreshEncrypted []byte
	ExpiresAt        *time.Time
	Scope            string
	CreatedAt        time.Time
	DeletedAt        *time.Time
}

// MFASecret holds the tenant-key-encrypted TOTP secret and hashed backup
// codes. EnabledAt set means MFA is active; the first successful verify
// sets it.
type MFASecret struct {
	ID           uuid.UUID
	TenantID     string
	UserID       uuid.UUID
	Encrypted    []byte
	BackupHashes []string
	EnabledAt    *time.Time
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

// Permission grants (resource, action) to a role within a tenant. A role
// possesses the pair iff a live row matches exactly.
type Permission struct {
	ID        uuid.UUID
	TenantID  string
	Role      Role
	Resource  string
	Action    string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// App is a tenant/application row.
type App struct {
	ID        string
	Namespace string
	Name      string
	Settings  json.RawMessage
	CreatedAt time.Time
	DeletedAt *time.Time
}

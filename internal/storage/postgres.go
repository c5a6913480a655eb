package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parametricportal/backend/internal/reqctx"
)

// dbtx abstracts pool vs transaction so every query runs against either.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Repository on pgx.
type Postgres struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewPostgres creates a connection pool and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &Postgres{pool: pool, db: pool}, nil
}

// Ping verifies database connectivity for health checks.
func (p *Postgres) Ping(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) Users() UserRepo                 { return userRepo{p} }
func (p *Postgres) Sessions() SessionRepo           { return sessionRepo{p} }
func (p *Postgres) RefreshTokens() RefreshTokenRepo { return refreshTokenRepo{p} }
func (p *Postgres) OAuthAccounts() OAuthAccountRepo { return oauthAccountRepo{p} }
func (p *Postgres) MFASecrets() MFASecretRepo       { return mfaSecretRepo{p} }
func (p *Postgres) Permissions() PermissionRepo     { return permissionRepo{p} }
func (p *Postgres) Apps() AppRepo                   { return appRepo{p} }

// WithTransaction opens a transaction and pins the tenant scope on the
// connection before fn runs. SET LOCAL semantics clear the scope when the
// transaction ends, so the connection never leaks a tenant binding back to
// the pool.
func (p *Postgres) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if p.pool == nil {
		return fmt.Errorf("storage: nested transactions are not supported")
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // safe after commit

	// Row-level-security policies read app.current_tenant.
	tenantID := reqctx.TenantID(ctx)
	if _, err := tx.Exec(ctx, "SELECT set_config('app.current_tenant', $1, true)", tenantID); err != nil {
		return fmt.Errorf("failed to set tenant context: %w", err)
	}

	if err := fn(ctx, &Postgres{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- users ---

type userRepo struct{ p *Postgres }

const userColumns = `id, tenant_id, email, role, status, created_at, updated_at, deleted_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt)
	return u, mapErr(err)
}

func (r userRepo) One(ctx context.Context, id uuid.UUID) (User, error) {
	return scanUser(r.p.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		id, reqctx.TenantID(ctx)))
}

func (r userRepo) ByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(r.p.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		email, reqctx.TenantID(ctx)))
}

func (r userRepo) Insert(ctx context.Context, u User) (User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.TenantID == "" {
		u.TenantID = reqctx.TenantID(ctx)
	}
	return scanUser(r.p.db.QueryRow(ctx,
		`INSERT INTO users (id, tenant_id, email, role, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+userColumns,
		u.ID, u.TenantID, u.Email, u.Role, u.Status))
}

func (r userRepo) SetRole(ctx context.Context, id uuid.UUID, role Role) error {
	return r.update(ctx, id, `role = $3`, role)
}

func (r userRepo) SetStatus(ctx context.Context, id uuid.UUID, status UserStatus) error {
	return r.update(ctx, id, `status = $3`, status)
}

func (r userRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, id, `deleted_at = now()`)
}

func (r userRepo) update(ctx context.Context, id uuid.UUID, set string, args ...any) error {
	full := append([]any{id, reqctx.TenantID(ctx)}, args...)
	tag, err := r.p.db.Exec(ctx,
		`UPDATE users SET `+set+`, updated_at = now() WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		full...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- sessions ---

type sessionRepo struct{ p *Postgres }

const sessionColumns = `id, tenant_id, user_id, hash, refresh_hash, access_expires_at, refresh_expires_at,
	verified_at, ip_address, user_agent, created_at, updated_at, deleted_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.TenantID, &s.UserID, &s.Hash, &s.RefreshHash, &s.AccessExpiresAt,
		&s.RefreshExpiresAt, &s.VerifiedAt, &s.IPAddress, &s.UserAgent, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt)
	return s, mapErr(err)
}

func (r sessionRepo) Insert(ctx context.Context, s Session) (Session, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.TenantID == "" {
		s.TenantID = reqctx.TenantID(ctx)
	}
	return scanSession(r.p.db.QueryRow(ctx,
		`INSERT INTO sessions (id, tenant_id, user_id, hash, refresh_hash, access_expires_at, refresh_expires_at, verified_at, ip_address, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+sessionColumns,
		s.ID, s.TenantID, s.UserID, s.Hash, s.RefreshHash, s.AccessExpiresAt, s.RefreshExpiresAt,
		s.VerifiedAt, s.IPAddress, s.UserAgent))
}

func (r sessionRepo) One(ctx context.Context, id uuid.UUID) (Session, error) {
	return scanSession(r.p.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		id, reqctx.TenantID(ctx)))
}

func (r sessionRepo) ByHash(ctx context.Context, hash string) (Session, error) {
	return scanSession(r.p.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE hash = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		hash, reqctx.TenantID(ctx)))
}

func (r sessionRepo) ByRefreshHash(ctx context.Context, refreshHash string) (Session, error) {
	return scanSession(r.p.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_hash = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		refreshHash, reqctx.TenantID(ctx)))
}

func (r sessionRepo) ByRefreshHashForUpdate(ctx context.Context, refreshHash string) (Session, error) {
	return scanSession(r.p.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_hash = $1 AND tenant_id = $2 AND deleted_at IS NULL FOR UPDATE`,
		refreshHash, reqctx.TenantID(ctx)))
}

func (r sessionRepo) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := r.p.db.Exec(ctx,
		`UPDATE sessions SET updated_at = now() WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		id, reqctx.TenantID(ctx))
	return err
}

func (r sessionRepo) Verify(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.p.db.Exec(ctx,
		`UPDATE sessions SET verified_at = $3, updated_at = now() WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		id, reqctx.TenantID(ctx), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r sessionRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := r.p.db.Exec(ctx,
		`UPDATE sessions SET deleted_at = now() WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		id, reqctx.TenantID(ctx))
	return err
}

func (r sessionRepo) SoftDeleteByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.p.db.Exec(ctx,
		`UPDATE sessions SET deleted_at = now() WHERE user_id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		userID, reqctx.TenantID(ctx))
	return err
}

func (r sessionRepo) ByUser(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	rows, err := r.p.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 AND tenant_id = $2 AND deleted_at IS NULL
		 ORDER BY created_at DESC`,
		userID, reqctx.TenantID(ctx))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// --- refresh tokens ---

type refreshTokenRepo struct{ p *Postgres }

const refreshColumns = `id, tenant_id, user_id, session_id, hash, expires_at, created_at, deleted_at`

func scanRefresh(row pgx.Row) (RefreshToken, error) {
	var t RefreshToken
	err := row.Scan(&t.ID, &t.TenantID, &t.UserID, &t.SessionID, &t.Hash, &t.ExpiresAt, &t.CreatedAt, &t.DeletedAt)
	return t, mapErr(err)
}

func (r refreshTokenRepo) Insert(ctx context.Context, t RefreshToken) (RefreshToken, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.TenantID == "" {
		t.TenantID = reqctx.TenantID(ctx)
	}
	return scanRefresh(r.p.db.QueryRow(ctx,
		`INSERT INTO refresh_tokens (id, tenant_id, user_id, session_id, hash, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+refreshColumns,
		t.ID, t.TenantID, t.UserID, t.SessionID, t.Hash, t.ExpiresAt))
}

func (r refreshTokenRepo) ByHashForUpdate(ctx context.Context, hash string) (RefreshToken, error) {
	return scanRefresh(r.p.db.QueryRow(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE hash = $1 AND tenant_id = $2 AND deleted_at IS NULL FOR UPDATE`,
		hash, reqctx.TenantID(ctx)))
}

func (r refreshTokenRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := r.p.db.Exec(ctx,
		`UPDATE refresh_tokens SET deleted_at = now() WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		id, reqctx.TenantID(ctx))
	return err
}

func (r refreshTokenRepo) SoftDeleteBySession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.p.db.Exec(ctx,
		`UPDATE refresh_tokens SET deleted_at = now() WHERE session_id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		sessionID, reqctx.TenantID(ctx))
	return err
}

func (r refreshTokenRepo) SoftDeleteByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.p.db.Exec(ctx,
		`UPDATE refresh_tokens SET deleted_at = now() WHERE user_id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		userID, reqctx.TenantID(ctx))
	return err
}

// --- oauth identities ---

type oauthAccountRepo struct{ p *Postgres }

const identityColumns = `id, tenant_id, user_id, provider, external_id, access_encrypted, refresh_encrypted,
	expires_at, scope, created_at, deleted_at`

func scanIdentity(row pgx.Row) (OAuthIdentity, error) {
	var i OAuthIdentity
	err := row.Scan(&i.ID, &i.TenantID, &i.UserID, &i.Provider, &i.ExternalID, &i.AccessEncrypted,
		&i.RefreshEncrypted, &i.ExpiresAt, &i.Scope, &i.CreatedAt, &i.DeletedAt)
	return i, mapErr(err)
}

func (r oauthAccountRepo) ByExternal(ctx context.Context, provider, externalID string) (OAuthIdentity, error) {
	return scanIdentity(r.p.db.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM oauth_identities
		 WHERE provider = $1 AND external_id = $2 AND tenant_id = $3 AND deleted_at IS NULL`,
		provider, externalID, reqctx.TenantID(ctx)))
}

func (r oauthAccountRepo) Upsert(ctx context.Context, identity OAuthIdentity) (OAuthIdentity, error) {
	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}
	if identity.TenantID == "" {
		identity.TenantID = reqctx.TenantID(ctx)
	}
	return scanIdentity(r.p.db.QueryRow(ctx,
		`INSERT INTO oauth_identities (id, tenant_id, user_id, provider, external_id, access_encrypted, refresh_encrypted, expires_at, scope)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (tenant_id, provider, external_id) WHERE deleted_at IS NULL
		 DO UPDATE SET access_encrypted = EXCLUDED.access_encrypted,
		               refresh_encrypted = EXCLUDED.refresh_encrypted,
		               expires_at = EXCLUDED.expires_at,
		               scope = EXCLUDED.scope
		 RETURNING `+identityColumns,
		identity.ID, identity.TenantID, identity.UserID, identity.Provider, identity.ExternalID,
		identity.AccessEncrypted, identity.RefreshEncrypted, identity.ExpiresAt, identity.Scope))
}

// --- mfa secrets ---

type mfaSecretRepo struct{ p *Postgres }

const mfaColumns = `id, tenant_id, user_id, encrypted, backup_hashes, enabled_at, created_at, deleted_at`

func scanMFA(row pgx.Row) (MFASecret, error) {
	var m MFASecret
	err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &m.Encrypted, &m.BackupHashes, &m.EnabledAt, &m.CreatedAt, &m.DeletedAt)
	return m, mapErr(err)
}

func (r mfaSecretRepo) ByUser(ctx context.Context, userID uuid.UUID) (MFASecret, error) {
	return scanMFA(r.p.db.QueryRow(ctx,
		`SELECT `+mfaColumns+` FROM mfa_secrets WHERE user_id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		userID, reqctx.TenantID(ctx)))
}

func (r mfaSecretRepo) Upsert(ctx context.Context, secret MFASecret) (MFASecret, error) {
	if secret.ID == uuid.Nil {
		secret.ID = uuid.New()
	}
	if secret.TenantID == "" {
		secret.TenantID = reqctx.TenantID(ctx)
	}
	return scanMFA(r.p.db.QueryRow(ctx,
		`INSERT INTO mfa_secrets (id, tenant_id, user_id, encrypted, backup_hashes, enabled_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, user_id) WHERE deleted_at IS NULL
		 DO UPDATE SET encrypted = EXCLUDED.encrypted,
		               backup_hashes = EXCLUDED.backup_hashes,
		               enabled_at = EXCLUDED.enabled_at
		 RETURNING `+mfaColumns,
		secret.ID, secret.TenantID, secret.UserID, secret.Encrypted, secret.BackupHashes, secret.EnabledAt))
}

func (r mfaSecretRepo) SetEnabled(ctx context.Context, userID uuid.UUID, at time.Time) error {
	tag, err := r.p.db.Exec(ctx,
		`UPDATE mfa_secrets SET enabled_at = $3 WHERE user_id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		userID, reqctx.TenantID(ctx), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r mfaSecretRepo) SetBackupHashes(ctx context.Context, userID uuid.UUID, hashes []string) error {
	tag, err := r.p.db.Exec(ctx,
		`UPDATE mfa_secrets SET backup_hashes = $3 WHERE user_id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		userID, reqctx.TenantID(ctx), hashes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r mfaSecretRepo) SoftDelete(ctx context.Context, userID uuid.UUID) error {
	tag, err := r.p.db.Exec(ctx,
		`UPDATE mfa_secrets SET deleted_at = now() WHERE user_id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		userID, reqctx.TenantID(ctx))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- permissions ---

type permissionRepo struct{ p *Postgres }

const permissionColumns = `id, tenant_id, role, resource, action, created_at, deleted_at`

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	err := row.Scan(&perm.ID, &perm.TenantID, &perm.Role, &perm.Resource, &perm.Action, &perm.CreatedAt, &perm.DeletedAt)
	return perm, mapErr(err)
}

func (r permissionRepo) ByRole(ctx context.Context, tenantID string, role Role) ([]Permission, error) {
	rows, err := r.p.db.Query(ctx,
		`SELECT `+permissionColumns+` FROM permissions WHERE tenant_id = $1 AND role = $2 AND deleted_at IS NULL`,
		tenantID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r permissionRepo) Find(ctx context.Context, tenantID string, role Role, resource, action string) (Permission, error) {
	return scanPermission(r.p.db.QueryRow(ctx,
		`SELECT `+permissionColumns+` FROM permissions
		 WHERE tenant_id = $1 AND role = $2 AND resource = $3 AND action = $4 AND deleted_at IS NULL`,
		tenantID, role, resource, action))
}

func (r permissionRepo) Grant(ctx context.Context, tenantID string, role Role, resource, action string) (Permission, error) {
	return scanPermission(r.p.db.QueryRow(ctx,
		`INSERT INTO permissions (id, tenant_id, role, resource, action)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, role, resource, action) WHERE deleted_at IS NULL
		 DO UPDATE SET deleted_at = NULL
		 RETURNING `+permissionColumns,
		uuid.New(), tenantID, role, resource, action))
}

func (r permissionRepo) Revoke(ctx context.Context, tenantID string, role Role, resource, action string) error {
	tag, err := r.p.db.Exec(ctx,
		`UPDATE permissions SET deleted_at = now()
		 WHERE tenant_id = $1 AND role = $2 AND resource = $3 AND action = $4 AND deleted_at IS NULL`,
		tenantID, role, resource, action)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- apps ---

type appRepo struct{ p *Postgres }

const appColumns = `id, namespace, name, settings, created_at, deleted_at`

func scanApp(row pgx.Row) (App, error) {
	var a App
	err := row.Scan(&a.ID, &a.Namespace, &a.Name, &a.Settings, &a.CreatedAt, &a.DeletedAt)
	return a, mapErr(err)
}

func (r appRepo) One(ctx context.Context, id string) (App, error) {
	return scanApp(r.p.db.QueryRow(ctx,
		`SELECT `+appColumns+` FROM apps WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r appRepo) ByNamespace(ctx context.Context, namespace string) (App, error) {
	return scanApp(r.p.db.QueryRow(ctx,
		`SELECT `+appColumns+` FROM apps WHERE namespace = $1 AND deleted_at IS NULL`, namespace))
}

func (r appRepo) Insert(ctx context.Context, app App) (App, error) {
	return scanApp(r.p.db.QueryRow(ctx,
		`INSERT INTO apps (id, namespace, name, settings) VALUES ($1, $2, $3, $4) RETURNING `+appColumns,
		app.ID, app.Namespace, app.Name, app.Settings))
}

func (r appRepo) Drop(ctx context.Context, id string) error {
	tag, err := r.p.db.Exec(ctx,
		`UPDATE apps SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r appRepo) ReadSettings(ctx context.Context, id string) ([]byte, error) {
	var settings []byte
	err := r.p.db.QueryRow(ctx,
		`SELECT settings FROM apps WHERE id = $1 AND deleted_at IS NULL`, id).Scan(&settings)
	return settings, mapErr(err)
}

func (r appRepo) UpdateSettings(ctx context.Context, id string, settings []byte) error {
	tag, err := r.p.db.Exec(ctx,
		`UPDATE apps SET settings = $2 WHERE id = $1 AND deleted_at IS NULL`, id, settings)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

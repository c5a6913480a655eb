// Package session owns the session lifecycle: creation of access/refresh
// token pairs, rotation on refresh with reuse detection, revocation and the
// cached lookup the edge performs on every authenticated request.
//
// Token hashes are tenant-keyed HMACs, so a hash stored under tenant A can
// never resolve under tenant B even if the plaintext token leaks across.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/audit"
	"github.com/parametricportal/backend/internal/cache"
	"github.com/parametricportal/backend/internal/crypto"
	"github.com/parametricportal/backend/internal/metrics"
	"github.com/parametricportal/backend/internal/reqctx"
	"github.com/parametricportal/backend/internal/storage"
)

const (
	sessionCacheStore = "session"
	mfaCacheStore     = "mfa-status"
)

// Tokens is handed to the client exactly once per create/refresh.
type Tokens struct {
	SessionID        uuid.UUID `json:"sessionId"`
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	MFAPending       bool      `json:"mfaPending"`
}

// summary is the cached projection of a session row.
type summary struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        string     `json:"tenantId"`
	UserID          uuid.UUID  `json:"userId"`
	AccessExpiresAt time.Time  `json:"accessExpiresAt"`
	VerifiedAt      *time.Time `json:"verifiedAt,omitempty"`
}

// Config carries the lifecycle windows.
type Config struct {
	AccessTTL      time.Duration // access token validity (default 15m)
	RefreshTTL     time.Duration // refresh token validity (default 30d)
	LookupCacheTTL time.Duration // session summary cache (default 5m)
	// MFAStatusTTL bounds how long an MFA posture change may go unseen by
	// cached lookups.
	MFAStatusTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.AccessTTL == 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.LookupCacheTTL == 0 {
		c.LookupCacheTTL = 5 * time.Minute
	}
	if c.MFAStatusTTL == 0 {
		c.MFAStatusTTL = 5 * time.Minute
	}
	return c
}

// Service implements the session lifecycle.
type Service struct {
	repo    storage.Repository
	keyring *crypto.Keyring
	audit   audit.Logger
	cfg     Config

	sessions  *cache.Typed[cache.StringKey, summary]
	mfaStatus *cache.Typed[cache.StringKey, bool]

	now func() time.Time
}

// NewService builds the service and its two lookup caches.
func NewService(repo storage.Repository, keyring *crypto.Keyring, store cache.Store, nodeID string, auditLog audit.Logger, cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()
	s := &Service{
		repo:    repo,
		keyring: keyring,
		audit:   auditLog,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}

	sessions, err := cache.NewTyped(store, nodeID, sessionCacheStore, cfg.LookupCacheTTL,
		func(ctx context.Context, key cache.StringKey) (summary, error) {
			row, err := repo.Sessions().ByHash(ctx, string(key))
			if err != nil {
				return summary{}, err
			}
			return summary{
				ID:              row.ID,
				TenantID:        row.TenantID,
				UserID:          row.UserID,
				AccessExpiresAt: row.AccessExpiresAt,
				VerifiedAt:      row.VerifiedAt,
			}, nil
		})
	if err != nil {
		return nil, err
	}
	s.sessions = sessions

	mfaStatus, err := cache.NewTyped(store, nodeID, mfaCacheStore, cfg.MFAStatusTTL,
		func(ctx context.Context, key cache.StringKey) (bool, error) {
			userID, err := uuid.Parse(string(key))
			if err != nil {
				return false, err
			}
			row, err := repo.MFASecrets().ByUser(ctx, userID)
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return row.EnabledAt != nil, nil
		})
	if err != nil {
		sessions.Close()
		return nil, err
	}
	s.mfaStatus = mfaStatus
	return s, nil
}

// Close releases the cache subscriptions.
func (s *Service) Close() {
	s.sessions.Close()
	s.mfaStatus.Close()
}

// issue mints a token pair and persists the session and refresh rows through
// repo, which is either the root repository or an open transaction.
func (s *Service) issue(ctx context.Context, repo storage.Repository, userID uuid.UUID, mfaPending bool) (*Tokens, error) {
	access, err := crypto.NewTokenPair()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	refresh, err := crypto.NewTokenPair()
	if err != nil {
		return nil, apperr.Internal(err)
	}

	tenantID := reqctx.TenantID(ctx)
	accessHash, err := s.keyring.HMAC(tenantID, access.Token)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	refreshHash, err := s.keyring.HMAC(tenantID, refresh.Token)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	now := s.now()
	rc := reqctx.From(ctx)
	row := storage.Session{
		UserID:           userID,
		Hash:             accessHash,
		RefreshHash:      refreshHash,
		AccessExpiresAt:  now.Add(s.cfg.AccessTTL),
		RefreshExpiresAt: now.Add(s.cfg.RefreshTTL),
		IPAddress:        rc.IPAddress,
		UserAgent:        rc.UserAgent,
	}
	if !mfaPending {
		row.VerifiedAt = &now
	}

	created, err := repo.Sessions().Insert(ctx, row)
	if err != nil {
		return nil, err
	}
	if _, err := repo.RefreshTokens().Insert(ctx, storage.RefreshToken{
		UserID:    userID,
		SessionID: created.ID,
		Hash:      refreshHash,
		ExpiresAt: row.RefreshExpiresAt,
	}); err != nil {
		return nil, err
	}

	return &Tokens{
		SessionID:        created.ID,
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		AccessExpiresAt:  row.AccessExpiresAt,
		RefreshExpiresAt: row.RefreshExpiresAt,
		MFAPending:       mfaPending,
	}, nil
}

// Create mints a session and refresh pair inside one transaction. The session
// starts verified unless MFA is pending.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, mfaPending bool) (*Tokens, error) {
	var tokens *Tokens
	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx storage.Repository) error {
		var err error
		tokens, err = s.issue(ctx, tx, userID, mfaPending)
		return err
	})
	if err != nil {
		if ae := apperr.As(err); ae != nil {
			return nil, ae
		}
		return nil, apperr.Internal(err)
	}
	return tokens, nil
}

// Login is Create plus the login counter and audit trail.
func (s *Service) Login(ctx context.Context, userID uuid.UUID, provider string, newUser, mfaPending bool) (*Tokens, error) {
	tokens, err := s.Create(ctx, userID, mfaPending)
	if err != nil {
		s.audit.Log(ctx, userID, audit.ActionLoginFailed, "session", map[string]string{"provider": provider})
		return nil, err
	}
	metrics.Logins.WithLabelValues(provider, strconv.FormatBool(newUser)).Inc()
	s.audit.Log(ctx, userID, audit.ActionLoginSuccess, "session", map[string]string{
		"provider": provider,
		"new_user": strconv.FormatBool(newUser),
	})
	return tokens, nil
}

// Rotation is the outcome of a refresh: the new pair plus the identity of
// the session it replaced.
type Rotation struct {
	Tokens            *Tokens
	PreviousSessionID uuid.UUID
}

// Refresh rotates a token pair. The old pair is retired and the replacement
// minted in one transaction, so a failure rolls the retirement back rather
// than stranding the user without a valid pair. The row lock serializes
// concurrent refreshes of the same token; the loser observes the soft-delete
// and fails as invalid.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Rotation, error) {
	hash, err := s.keyring.HMAC(reqctx.TenantID(ctx), refreshToken)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	var (
		oldHash string
		oldID   uuid.UUID
		userID  uuid.UUID
		tokens  *Tokens
	)
	err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx storage.Repository) error {
		rt, err := tx.RefreshTokens().ByHashForUpdate(ctx, hash)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Auth("invalid")
		}
		if err != nil {
			return err
		}
		if s.now().After(rt.ExpiresAt) {
			return apperr.Auth("expired")
		}

		old, err := tx.Sessions().ByRefreshHash(ctx, hash)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Auth("invalid")
		}
		if err != nil {
			return err
		}
		oldHash = old.Hash
		oldID = old.ID
		userID = old.UserID

		user, err := tx.Users().One(ctx, old.UserID)
		if err != nil || user.Status != storage.StatusActive {
			return apperr.Auth("user_gone")
		}

		// Posture may have changed since the session was created; a secret
		// enabled after this session's last verify forces a new challenge.
		mfaPending := false
		secret, err := tx.MFASecrets().ByUser(ctx, old.UserID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err == nil && secret.EnabledAt != nil {
			mfaPending = old.VerifiedAt == nil || old.VerifiedAt.Before(*secret.EnabledAt)
		}

		if err := tx.Sessions().SoftDelete(ctx, old.ID); err != nil {
			return err
		}
		if err := tx.RefreshTokens().SoftDelete(ctx, rt.ID); err != nil {
			return err
		}

		tokens, err = s.issue(ctx, tx, old.UserID, mfaPending)
		return err
	})
	if err != nil {
		if apperr.As(err) != nil {
			return nil, err
		}
		return nil, apperr.Internal(err)
	}

	s.sessions.Invalidate(ctx, cache.StringKey(oldHash))
	s.audit.Log(ctx, userID, audit.ActionSessionRefreshed, "session", nil)
	return &Rotation{Tokens: tokens, PreviousSessionID: oldID}, nil
}

// Verify stamps the session as MFA-verified and drops stale cache entries.
func (s *Service) Verify(ctx context.Context, sessionID uuid.UUID) error {
	row, err := s.repo.Sessions().One(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Auth("invalid")
	}
	if err != nil {
		return apperr.Internal(err)
	}
	if err := s.repo.Sessions().Verify(ctx, sessionID, s.now()); err != nil {
		return apperr.Internal(err)
	}
	s.sessions.Invalidate(ctx, cache.StringKey(row.Hash))
	s.mfaStatus.Invalidate(ctx, cache.StringKey(row.UserID.String()))
	return nil
}

// Revoke soft-deletes one session and its refresh tokens.
func (s *Service) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	row, err := s.repo.Sessions().One(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil // already gone
	}
	if err != nil {
		return apperr.Internal(err)
	}

	err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx storage.Repository) error {
		if err := tx.Sessions().SoftDelete(ctx, sessionID); err != nil {
			return err
		}
		return tx.RefreshTokens().SoftDeleteBySession(ctx, sessionID)
	})
	if err != nil {
		return apperr.Internal(err)
	}

	s.sessions.Invalidate(ctx, cache.StringKey(row.Hash))
	s.audit.Log(ctx, row.UserID, audit.ActionLogout, "session", map[string]string{"session_id": sessionID.String()})
	return nil
}

// RevokeAll soft-deletes every live session of a user.
func (s *Service) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	rows, err := s.repo.Sessions().ByUser(ctx, userID)
	if err != nil {
		return apperr.Internal(err)
	}

	err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx storage.Repository) error {
		if err := tx.Sessions().SoftDeleteByUser(ctx, userID); err != nil {
			return err
		}
		return tx.RefreshTokens().SoftDeleteByUser(ctx, userID)
	})
	if err != nil {
		return apperr.Internal(err)
	}

	for _, row := range rows {
		s.sessions.Invalidate(ctx, cache.StringKey(row.Hash))
	}
	s.audit.Log(ctx, userID, audit.ActionSessionsRevoked, "session", map[string]string{
		"count": strconv.Itoa(len(rows)),
	})
	return nil
}

// List returns the user's live sessions for device management views.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]storage.Session, error) {
	rows, err := s.repo.Sessions().ByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return rows, nil
}

// Lookup resolves a bearer token to its session. A miss, a cross-tenant hash
// or an expired window all return nil without error; callers treat nil as
// unauthenticated.
func (s *Service) Lookup(ctx context.Context, token string) (*reqctx.Session, error) {
	tenantID := reqctx.TenantID(ctx)
	hash, err := s.keyring.HMAC(tenantID, token)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	sum, err := s.sessions.Get(ctx, cache.StringKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if sum.TenantID != tenantID {
		slog.Warn("session_tenant_mismatch", "session_id", sum.ID, "tenant_id", tenantID)
		return nil, nil
	}
	if s.now().After(sum.AccessExpiresAt) {
		slog.Warn("session_expired", "session_id", sum.ID)
		return nil, nil
	}

	// Activity tracking is best effort and must never delay the request.
	go func(ctx context.Context, id uuid.UUID) {
		if err := s.repo.Sessions().Touch(ctx, id); err != nil {
			slog.Warn("session_touch_failed", "session_id", id, "error", err)
		}
	}(context.WithoutCancel(ctx), sum.ID)

	mfaEnabled, err := s.mfaStatus.Get(ctx, cache.StringKey(sum.UserID.String()))
	if err != nil {
		slog.Warn("mfa_status_lookup_failed", "user_id", sum.UserID, "error", err)
		mfaEnabled = false
	}

	return &reqctx.Session{
		ID:         sum.ID,
		UserID:     sum.UserID,
		Kind:       reqctx.KindSession,
		MFAEnabled: mfaEnabled,
		VerifiedAt: sum.VerifiedAt,
	}, nil
}

// InvalidateMFAStatus drops the cached posture after enroll/disable.
func (s *Service) InvalidateMFAStatus(ctx context.Context, userID uuid.UUID) {
	s.mfaStatus.Invalidate(ctx, cache.StringKey(userID.String()))
}

package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/audit"
	"github.com/parametricportal/backend/internal/crypto"
	"github.com/parametricportal/backend/internal/metrics"
	"github.com/parametricportal/backend/internal/storage"
)

// Enrollment is returned exactly once; the plaintext secret and backup codes
// are never reconstructable afterwards.
type Enrollment struct {
	Secret      string   `json:"secret"`
	BackupCodes []string `json:"backupCodes"`
	QRDataURL   string   `json:"qrDataUrl"`
}

// Status reports a user's MFA posture.
type Status struct {
	Enrolled             bool `json:"enrolled"`
	Enabled              bool `json:"enabled"`
	RemainingBackupCodes int  `json:"remainingBackupCodes"`
}

// Service owns the MFA lifecycle for users of the tenant bound to ctx.
type Service struct {
	repo    storage.Repository
	keyring *crypto.Keyring
	guard   *ReplayGuard
	lockout *Lockout
	audit   audit.Logger
	issuer  string

	now func() time.Time
}

func NewService(repo storage.Repository, keyring *crypto.Keyring, guard *ReplayGuard, lockout *Lockout, auditLog audit.Logger, issuer string) *Service {
	return &Service{
		repo:    repo,
		keyring: keyring,
		guard:   guard,
		lockout: lockout,
		audit:   auditLog,
		issuer:  issuer,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enroll provisions a TOTP secret and backup codes for the user. Fails with
// a conflict while a previous enrollment is still enabled; an enrolled but
// never-verified secret is silently replaced.
func (s *Service) Enroll(ctx context.Context, userID uuid.UUID, email string) (*Enrollment, error) {
	existing, err := s.repo.MFASecrets().ByUser(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Internal(err)
	}
	if err == nil && existing.EnabledAt != nil {
		return nil, apperr.Conflict("mfa", "multi-factor authentication is already enabled")
	}

	key, err := generateSecret(s.issuer, email)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("mfa: secret generation: %w", err))
	}
	encrypted, err := s.keyring.Encrypt(ctx, key.Secret())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	codes, hashes, err := generateBackupCodes()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	qr, err := qrDataURL(key)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if _, err := s.repo.MFASecrets().Upsert(ctx, storage.MFASecret{
		UserID:       userID,
		Encrypted:    encrypted,
		BackupHashes: hashes,
	}); err != nil {
		return nil, apperr.Internal(err)
	}

	s.audit.Log(ctx, userID, audit.ActionMFAEnrolled, "mfa", nil)
	return &Enrollment{Secret: key.Secret(), BackupCodes: codes, QRDataURL: qr}, nil
}

// Verify checks a TOTP code. The first successful verify after enrollment
// flips the secret to enabled. Returns the remaining backup-code count.
func (s *Service) Verify(ctx context.Context, userID uuid.UUID, code string) (int, error) {
	if err := s.lockout.Check(userID); err != nil {
		return 0, err
	}

	row, err := s.repo.MFASecrets().ByUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, apperr.Auth("mfa_not_enrolled")
	}
	if err != nil {
		return 0, apperr.Internal(err)
	}

	secret, err := s.keyring.Decrypt(ctx, row.Encrypted)
	if err != nil {
		return 0, apperr.Internal(err)
	}

	now := s.now()
	valid, delta := validateCode(secret, code, now)
	if !valid {
		return 0, s.fail(ctx, userID, "mfa_invalid_code")
	}

	// The replay key uses the window the code actually matched, so a code
	// from the previous window cannot be replayed against the current one.
	if s.guard.CheckAndMark(ctx, userID, timeStep(now, delta), code) {
		return 0, s.fail(ctx, userID, "mfa_invalid_code")
	}

	s.lockout.RecordSuccess(userID)
	if row.EnabledAt == nil {
		if err := s.repo.MFASecrets().SetEnabled(ctx, userID, now); err != nil {
			return 0, apperr.Internal(err)
		}
	}

	metrics.MFAVerifications.WithLabelValues("success").Inc()
	s.audit.Log(ctx, userID, audit.ActionMFAVerified, "mfa", map[string]string{"method": "totp"})
	return len(row.BackupHashes), nil
}

// VerifyBackup consumes a recovery code. Each code works exactly once.
func (s *Service) VerifyBackup(ctx context.Context, userID uuid.UUID, code string) (int, error) {
	if err := s.lockout.Check(userID); err != nil {
		return 0, err
	}

	row, err := s.repo.MFASecrets().ByUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, apperr.Auth("mfa_not_enrolled")
	}
	if err != nil {
		return 0, apperr.Internal(err)
	}

	idx := matchBackupCode(row.BackupHashes, strings.ToUpper(strings.TrimSpace(code)))
	if idx < 0 {
		s.lockout.RecordFailure(userID)
		metrics.MFAVerifications.WithLabelValues("failure").Inc()
		e := apperr.Auth("mfa_invalid_backup")
		e.Detail = fmt.Sprintf("%d backup codes remaining", len(row.BackupHashes))
		return len(row.BackupHashes), e
	}

	remaining := append(append([]string{}, row.BackupHashes[:idx]...), row.BackupHashes[idx+1:]...)
	if err := s.repo.MFASecrets().SetBackupHashes(ctx, userID, remaining); err != nil {
		return 0, apperr.Internal(err)
	}

	s.lockout.RecordSuccess(userID)
	metrics.MFAVerifications.WithLabelValues("success").Inc()
	s.audit.Log(ctx, userID, audit.ActionMFAVerified, "mfa", map[string]string{"method": "backup"})
	return len(remaining), nil
}

// Disable soft-deletes the user's MFA secret.
func (s *Service) Disable(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.MFASecrets().SoftDelete(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("mfa", userID.String())
		}
		return apperr.Internal(err)
	}
	s.audit.Log(ctx, userID, audit.ActionMFADisabled, "mfa", nil)
	return nil
}

// StatusFor reports whether the user is enrolled and enabled.
func (s *Service) StatusFor(ctx context.Context, userID uuid.UUID) (Status, error) {
	row, err := s.repo.MFASecrets().ByUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, apperr.Internal(err)
	}
	return Status{
		Enrolled:             true,
		Enabled:              row.EnabledAt != nil,
		RemainingBackupCodes: len(row.BackupHashes),
	}, nil
}

// Enabled is the posture check consumed by session creation and refresh.
func (s *Service) Enabled(ctx context.Context, userID uuid.UUID) (bool, error) {
	status, err := s.StatusFor(ctx, userID)
	if err != nil {
		return false, err
	}
	return status.Enabled, nil
}

func (s *Service) fail(ctx context.Context, userID uuid.UUID, reason string) error {
	s.lockout.RecordFailure(userID)
	metrics.MFAVerifications.WithLabelValues("failure").Inc()
	return apperr.Auth(reason)
}

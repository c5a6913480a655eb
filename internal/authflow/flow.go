// Package authflow drives the authentication state machine: OAuth initiate
// and callback, MFA verification, token refresh and revocation. Flow state
// survives between requests as encrypted cookies (pre-callback) and cache
// snapshots (post-callback).
package authflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/cache"
	"github.com/parametricportal/backend/internal/config"
	"github.com/parametricportal/backend/internal/crypto"
	"github.com/parametricportal/backend/internal/mfa"
	"github.com/parametricportal/backend/internal/reqctx"
	"github.com/parametricportal/backend/internal/session"
	"github.com/parametricportal/backend/internal/storage"
)

// stateCookieTTL bounds the window between initiate and callback.
const stateCookieTTL = 10 * time.Minute

// RevokeReason classifies why a flow ended.
type RevokeReason string

const (
	RevokeLogout   RevokeReason = "logout"
	RevokeTimeout  RevokeReason = "timeout"
	RevokeSecurity RevokeReason = "security"
)

// stateCookie is the payload sealed into the oauthState cookie.
type stateCookie struct {
	Provider string    `json:"provider"`
	State    string    `json:"state"`
	Verifier string    `json:"verifier,omitempty"`
	Exp      time.Time `json:"exp"`
}

// Initiation is the response to an OAuth initiate.
type Initiation struct {
	AuthURL string
	// Cookie is the encrypted flow state for the oauthState cookie.
	Cookie string
}

// Result is the outcome of a completed callback.
type Result struct {
	Tokens     *session.Tokens
	MFAPending bool
	NewUser    bool
}

// Service is the authentication state machine.
type Service struct {
	cfg      config.Config
	keyring  *crypto.Keyring
	repo     storage.Repository
	sessions *session.Service
	mfa      *mfa.Service
	clients  *Clients
	snaps    snapshots

	now func() time.Time
}

func NewService(
	cfg config.Config,
	keyring *crypto.Keyring,
	repo storage.Repository,
	sessions *session.Service,
	mfaSvc *mfa.Service,
	clients *Clients,
	store cache.Store,
) *Service {
	return &Service{
		cfg:      cfg,
		keyring:  keyring,
		repo:     repo,
		sessions: sessions,
		mfa:      mfaSvc,
		clients:  clients,
		snaps:    snapshots{store: store, ttl: cfg.RefreshTTL},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Initiate starts an OAuth flow: random state, PKCE verifier where the
// provider supports it, and the encrypted cookie that carries both to the
// callback.
func (s *Service) Initiate(ctx context.Context, provider string) (*Initiation, error) {
	if !s.clients.Enabled(provider) {
		return nil, apperr.OAuth(provider, "unknown_provider")
	}

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, apperr.Internal(err)
	}
	state := hex.EncodeToString(stateBytes)

	verifier := ""
	if s.clients.SupportsPKCE(provider) {
		verifier = oauth2.GenerateVerifier()
	}

	authURL, err := s.clients.AuthCodeURL(provider, state, verifier)
	if err != nil {
		return nil, err
	}

	cookie, err := s.sealCookie(ctx, stateCookie{
		Provider: provider,
		State:    state,
		Verifier: verifier,
		Exp:      s.now().Add(stateCookieTTL),
	})
	if err != nil {
		return nil, err
	}

	rc := reqctx.From(ctx)
	snap := &State{
		Phase:     PhaseOAuth,
		TenantID:  rc.TenantID,
		RequestID: rc.RequestID,
		Provider:  provider,
	}
	if err := s.snaps.save(ctx, oauthKey(cookie), snap); err != nil {
		return nil, err
	}

	return &Initiation{AuthURL: authURL, Cookie: cookie}, nil
}

// Callback completes the provider round trip: state check, code exchange,
// identity resolution, session mint. The oauth snapshot is consumed and a
// session snapshot takes its place.
func (s *Service) Callback(ctx context.Context, code, state, cookie string) (*Result, error) {
	snap, err := s.snaps.load(ctx, oauthKey(cookie))
	if err != nil {
		return nil, err
	}
	if err := snap.requirePhase(PhaseOAuth); err != nil {
		return nil, err
	}

	sc, err := s.openCookie(ctx, cookie)
	if err != nil {
		return nil, err
	}
	if sc.Provider != snap.Provider {
		return nil, apperr.OAuth(sc.Provider, "state_mismatch")
	}
	if s.now().After(sc.Exp) {
		return nil, apperr.OAuth(sc.Provider, "state_expired")
	}
	if !crypto.Compare(sc.State, state) {
		return nil, apperr.OAuth(sc.Provider, "state_mismatch")
	}

	token, err := s.clients.Exchange(ctx, sc.Provider, code, sc.Verifier)
	if err != nil {
		return nil, err
	}
	identity, err := s.clients.UserIdentity(ctx, sc.Provider, token)
	if err != nil {
		return nil, err
	}

	userID, newUser, err := s.resolveUser(ctx, sc.Provider, identity, token)
	if err != nil {
		return nil, err
	}

	mfaEnabled, err := s.mfa.Enabled(ctx, userID)
	if err != nil {
		return nil, err
	}

	tokens, err := s.sessions.Login(ctx, userID, sc.Provider, newUser, mfaEnabled)
	if err != nil {
		return nil, err
	}

	s.snaps.drop(ctx, oauthKey(cookie))

	snap.Provider = sc.Provider
	snap.UserID = userID
	snap.SessionID = tokens.SessionID
	snap.Tokens = tokens
	if mfaEnabled {
		snap.Phase = PhaseMFA
		snap.MFAAttempts = 0
	} else {
		snap.Phase = PhaseActive
	}
	if err := s.snaps.save(ctx, sessionKey(tokens.SessionID), snap); err != nil {
		return nil, err
	}

	return &Result{Tokens: tokens, MFAPending: mfaEnabled, NewUser: newUser}, nil
}

// Verify runs the MFA challenge for a pending session and, on success,
// transitions the flow to active.
func (s *Service) Verify(ctx context.Context, sessionID uuid.UUID, code string, isBackup bool) (int, error) {
	snap, err := s.snaps.load(ctx, sessionKey(sessionID))
	if err != nil {
		return 0, err
	}
	if err := snap.requirePhase(PhaseMFA); err != nil {
		return 0, err
	}

	snap.MFAAttempts++

	var remaining int
	if isBackup {
		remaining, err = s.mfa.VerifyBackup(ctx, snap.UserID, code)
	} else {
		remaining, err = s.mfa.Verify(ctx, snap.UserID, code)
	}
	if err != nil {
		// The attempt counter survives failed tries.
		_ = s.snaps.save(ctx, sessionKey(sessionID), snap)
		return remaining, err
	}

	if err := s.sessions.Verify(ctx, sessionID); err != nil {
		return remaining, err
	}

	snap.Phase = PhaseActive
	if err := s.snaps.save(ctx, sessionKey(sessionID), snap); err != nil {
		return remaining, err
	}
	return remaining, nil
}

// Refresh rotates the token pair and migrates the snapshot to the new
// session id. The MFA-pending posture is re-evaluated inside the rotation.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*session.Tokens, error) {
	rotation, err := s.sessions.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	tokens := rotation.Tokens

	snap, err := s.snaps.load(ctx, sessionKey(rotation.PreviousSessionID))
	if err != nil {
		if !apperr.IsKind(err, apperr.KindAuth) {
			return nil, err
		}
		// A flow started before this node's snapshot horizon still refreshes;
		// rebuild a minimal state.
		rc := reqctx.From(ctx)
		snap = &State{TenantID: rc.TenantID, RequestID: rc.RequestID}
	} else {
		if err := snap.requirePhase(PhaseMFA, PhaseActive); err != nil {
			return nil, err
		}
		s.snaps.drop(ctx, sessionKey(rotation.PreviousSessionID))
	}

	snap.SessionID = tokens.SessionID
	snap.Tokens = tokens
	if tokens.MFAPending {
		snap.Phase = PhaseMFA
	} else {
		snap.Phase = PhaseActive
	}
	if err := s.snaps.save(ctx, sessionKey(tokens.SessionID), snap); err != nil {
		return nil, err
	}
	return tokens, nil
}

// Revoke ends the flow: every session of the user is soft-deleted and the
// snapshot transitions to revoked. A missing snapshot is idempotent success;
// the revocation by user id runs regardless.
func (s *Service) Revoke(ctx context.Context, sessionID uuid.UUID, reason RevokeReason) error {
	var userID uuid.UUID

	snap, err := s.snaps.load(ctx, sessionKey(sessionID))
	switch {
	case err == nil:
		if err := snap.requirePhase(PhaseMFA, PhaseActive); err != nil {
			return err
		}
		userID = snap.UserID
	case apperr.IsKind(err, apperr.KindAuth):
		sess, serr := reqctx.SessionFrom(ctx)
		if serr != nil {
			return nil // nothing to revoke
		}
		userID = sess.UserID
		snap = &State{TenantID: reqctx.TenantID(ctx), RequestID: reqctx.RequestID(ctx)}
	default:
		return err
	}

	if err := s.sessions.RevokeAll(ctx, userID); err != nil {
		return err
	}

	snap.Phase = PhaseRevoked
	snap.Tokens = nil
	_ = s.snaps.save(ctx, sessionKey(sessionID), snap)
	return nil
}

// resolveUser links the provider identity to a user, creating one on first
// login. Provider tokens are stored encrypted under the tenant key.
func (s *Service) resolveUser(ctx context.Context, provider string, identity Identity, token *oauth2.Token) (uuid.UUID, bool, error) {
	var (
		userID  uuid.UUID
		newUser bool
	)

	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx storage.Repository) error {
		existing, err := tx.OAuthAccounts().ByExternal(ctx, provider, identity.ExternalID)
		switch {
		case err == nil:
			userID = existing.UserID
		case errors.Is(err, storage.ErrNotFound):
			if identity.Email == "" {
				return apperr.OAuth(provider, "user_no_email")
			}
			user, err := tx.Users().ByEmail(ctx, identity.Email)
			if errors.Is(err, storage.ErrNotFound) {
				user, err = tx.Users().Insert(ctx, storage.User{
					Email:  identity.Email,
					Role:   storage.RoleMember,
					Status: storage.StatusActive,
				})
				newUser = true
			}
			if err != nil {
				return err
			}
			userID = user.ID
		default:
			return err
		}

		accessEnc, err := s.keyring.Encrypt(ctx, token.AccessToken)
		if err != nil {
			return err
		}
		var refreshEnc []byte
		if token.RefreshToken != "" {
			refreshEnc, err = s.keyring.Encrypt(ctx, token.RefreshToken)
			if err != nil {
				return err
			}
		}

		row := storage.OAuthIdentity{
			UserID:           userID,
			Provider:         provider,
			ExternalID:       identity.ExternalID,
			AccessEncrypted:  accessEnc,
			RefreshEncrypted: refreshEnc,
		}
		if !token.Expiry.IsZero() {
			expiry := token.Expiry
			row.ExpiresAt = &expiry
		}
		_, err = tx.OAuthAccounts().Upsert(ctx, row)
		return err
	})
	if err != nil {
		if ae := apperr.As(err); ae != nil {
			return uuid.Nil, false, ae
		}
		return uuid.Nil, false, apperr.Internal(err)
	}
	return userID, newUser, nil
}

func (s *Service) sealCookie(ctx context.Context, sc stateCookie) (string, error) {
	raw, err := json.Marshal(sc)
	if err != nil {
		return "", apperr.Internal(err)
	}
	sealed, err := s.keyring.Encrypt(ctx, string(raw))
	if err != nil {
		return "", apperr.Internal(err)
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *Service) openCookie(ctx context.Context, cookie string) (stateCookie, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(cookie)
	if err != nil {
		return stateCookie{}, apperr.OAuth("", "oauth_encoding")
	}
	raw, err := s.keyring.Decrypt(ctx, sealed)
	if err != nil {
		return stateCookie{}, apperr.OAuth("", "oauth_encoding")
	}
	var sc stateCookie
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return stateCookie{}, apperr.OAuth("", "oauth_encoding")
	}
	return sc, nil
}

package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/cache"
	"github.com/parametricportal/backend/internal/session"
)

// Phase is the authentication state machine's position.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseOAuth   Phase = "oauth"
	PhaseMFA     Phase = "mfa"
	PhaseActive  Phase = "active"
	PhaseRevoked Phase = "revoked"
)

// State is the snapshot serialized between requests of one auth flow: into
// the oauth scope between initiate and callback (keyed by cookie value) and
// into the session scope afterwards (keyed by session id).
type State struct {
	Phase       Phase  `json:"phase"`
	TenantID    string `json:"tenantId"`
	RequestID   string `json:"requestId"`
	MFAAttempts int    `json:"mfaAttempts"`

	// Populated from the callback on.
	Provider  string          `json:"provider,omitempty"`
	UserID    uuid.UUID       `json:"userId,omitempty"`
	SessionID uuid.UUID       `json:"sessionId,omitempty"`
	Tokens    *session.Tokens `json:"tokens,omitempty"`
}

// requirePhase rejects events fired from a non-matching phase. The state is
// left untouched.
func (s *State) requirePhase(allowed ...Phase) error {
	for _, p := range allowed {
		if s.Phase == p {
			return nil
		}
	}
	e := apperr.Conflict("auth_state", fmt.Sprintf("phase %q does not allow this event (allowed: %v)", s.Phase, allowed))
	e.Reason = "phase_invalid"
	return e
}

const (
	oauthSnapshotPrefix   = "authstate:oauth:"
	sessionSnapshotPrefix = "authstate:session:"
)

// snapshots persists auth states in the shared cache store.
type snapshots struct {
	store cache.Store
	ttl   time.Duration
}

func (s snapshots) save(ctx context.Context, key string, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := s.store.Set(ctx, key, string(raw), s.ttl); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func (s snapshots) load(ctx context.Context, key string) (*State, error) {
	raw, found, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !found {
		return nil, apperr.Auth("snapshot_missing")
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, apperr.Internal(err)
	}
	return &state, nil
}

func (s snapshots) drop(ctx context.Context, key string) {
	_ = s.store.Del(ctx, key)
}

func oauthKey(cookie string) string  { return oauthSnapshotPrefix + cookie }
func sessionKey(id uuid.UUID) string { return sessionSnapshotPrefix + id.String() }

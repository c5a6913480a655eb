package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/authflow"
	"github.com/parametricportal/backend/internal/policy"
	"github.com/parametricportal/backend/internal/reqctx"
	"github.com/parametricportal/backend/internal/session"
)

// SessionHandler serves device-management views over a user's sessions.
type SessionHandler struct {
	sessions *session.Service
	flow     *authflow.Service
	policy   *policy.Service
}

func NewSessionHandler(sessions *session.Service, flow *authflow.Service, policySvc *policy.Service) *SessionHandler {
	return &SessionHandler{sessions: sessions, flow: flow, policy: policySvc}
}

type sessionView struct {
	ID         uuid.UUID  `json:"id"`
	IPAddress  string     `json:"ipAddress"`
	UserAgent  string     `json:"userAgent"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastSeenAt time.Time  `json:"lastSeenAt"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
	Current    bool       `json:"current"`
}

// List returns the caller's live sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	if err := h.policy.Require(r.Context(), "sessions", "list"); err != nil {
		respondError(w, r, err)
		return
	}
	sess, err := reqctx.SessionFrom(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	rows, err := h.sessions.List(r.Context(), sess.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	views := make([]sessionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, sessionView{
			ID:         row.ID,
			IPAddress:  row.IPAddress,
			UserAgent:  row.UserAgent,
			CreatedAt:  row.CreatedAt,
			LastSeenAt: row.UpdatedAt,
			VerifiedAt: row.VerifiedAt,
			Current:    row.ID == sess.ID,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// Revoke ends one of the caller's sessions by id.
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.policy.Require(r.Context(), "sessions", "revoke"); err != nil {
		respondError(w, r, err)
		return
	}
	sess, err := reqctx.SessionFrom(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, apperr.Validation("id", "must be a UUID"))
		return
	}

	// Ownership check: the list endpoint only ever shows the caller's own
	// sessions, so revocation is bounded the same way.
	rows, err := h.sessions.List(r.Context(), sess.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	owned := false
	for _, row := range rows {
		if row.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		respondError(w, r, apperr.NotFound("session", id.String()))
		return
	}

	if err := h.sessions.Revoke(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// RevokeAll ends every session of the caller via the state machine.
func (h *SessionHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	if err := h.policy.Require(r.Context(), "sessions", "revokeAll"); err != nil {
		respondError(w, r, err)
		return
	}
	sess, err := reqctx.SessionFrom(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := h.flow.Revoke(r.Context(), sess.ID, authflow.RevokeSecurity); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

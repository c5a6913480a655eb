package api

import (
	"errors"
	"net/http"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/mfa"
	"github.com/parametricportal/backend/internal/policy"
	"github.com/parametricportal/backend/internal/reqctx"
	"github.com/parametricportal/backend/internal/session"
	"github.com/parametricportal/backend/internal/storage"
)

// MFAHandler serves MFA enrollment and management. Verification lives on the
// auth handler because it drives the state machine.
type MFAHandler struct {
	mfa      *mfa.Service
	sessions *session.Service
	policy   *policy.Service
	repo     storage.Repository
}

func NewMFAHandler(mfaSvc *mfa.Service, sessions *session.Service, policySvc *policy.Service, repo storage.Repository) *MFAHandler {
	return &MFAHandler{mfa: mfaSvc, sessions: sessions, policy: policySvc, repo: repo}
}

// Enroll provisions a TOTP secret. The secret, backup codes and QR data URL
// appear in this response exactly once.
func (h *MFAHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	if err := h.policy.Require(r.Context(), "mfa", "enroll"); err != nil {
		respondError(w, r, err)
		return
	}
	sess, err := reqctx.SessionFrom(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	user, err := h.repo.Users().One(r.Context(), sess.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, r, apperr.Auth("user_gone"))
			return
		}
		respondError(w, r, apperr.Internal(err))
		return
	}

	enrollment, err := h.mfa.Enroll(r.Context(), sess.UserID, user.Email)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, enrollment)
}

// Status reports the caller's MFA posture.
func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	if err := h.policy.Require(r.Context(), "mfa", "status"); err != nil {
		respondError(w, r, err)
		return
	}
	sess, err := reqctx.SessionFrom(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	status, err := h.mfa.StatusFor(r.Context(), sess.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// Disable removes the caller's MFA secret and drops the cached posture.
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	if err := h.policy.Require(r.Context(), "mfa", "disable"); err != nil {
		respondError(w, r, err)
		return
	}
	sess, err := reqctx.SessionFrom(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := h.mfa.Disable(r.Context(), sess.UserID); err != nil {
		respondError(w, r, err)
		return
	}
	h.sessions.InvalidateMFAStatus(r.Context(), sess.UserID)

	respondJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

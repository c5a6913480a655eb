package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/authflow"
	"github.com/parametricportal/backend/internal/reqctx"
	"github.com/parametricportal/backend/internal/session"
)

// AuthHandler serves the OAuth and session lifecycle endpoints.
type AuthHandler struct {
	flow    *authflow.Service
	cookies cookies
}

func NewAuthHandler(flow *authflow.Service, ck cookies) *AuthHandler {
	return &AuthHandler{flow: flow, cookies: ck}
}

// Initiate starts the OAuth flow for a provider. The encrypted flow state
// rides back as the oauth_state cookie; the client follows authUrl.
func (h *AuthHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	init, err := h.flow.Initiate(r.Context(), provider)
	if err != nil {
		respondError(w, r, err)
		return
	}

	h.cookies.setOAuthState(w, init.Cookie)
	respondJSON(w, http.StatusOK, map[string]string{"authUrl": init.AuthURL})
}

type callbackResponse struct {
	*session.Tokens
	NewUser bool `json:"newUser"`
}

// Callback completes the provider round trip. The refresh token moves into
// its cookie; the response body carries the access token and MFA posture.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	cookie := h.cookies.get(r, oauthStateCookie)

	if code == "" || state == "" {
		respondError(w, r, apperr.Validation("code", "code and state are required"))
		return
	}
	if cookie == "" {
		respondError(w, r, apperr.Auth("snapshot_missing"))
		return
	}

	result, err := h.flow.Callback(r.Context(), code, state, cookie)
	if err != nil {
		h.cookies.clearOAuthState(w)
		respondError(w, r, err)
		return
	}

	h.cookies.clearOAuthState(w)
	h.cookies.setRefreshToken(w, result.Tokens.RefreshToken)
	respondJSON(w, http.StatusOK, callbackResponse{Tokens: result.Tokens, NewUser: result.NewUser})
}

type verifyRequest struct {
	Code     string `json:"code"`
	IsBackup bool   `json:"isBackup"`
}

// VerifyMFA completes the MFA challenge of a pending session.
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	sess, err := reqctx.SessionFrom(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		respondError(w, r, apperr.Validation("code", "code is required"))
		return
	}

	remaining, err := h.flow.Verify(r.Context(), sess.ID, req.Code, req.IsBackup)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"verified":             true,
		"remainingBackupCodes": remaining,
	})
}

// Refresh rotates the token pair using the refresh_token cookie (or, for
// non-browser clients, a JSON body).
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := h.cookies.get(r, refreshTokenCookie)
	if token == "" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		token = body.RefreshToken
	}
	if token == "" {
		respondError(w, r, apperr.Auth("invalid"))
		return
	}

	tokens, err := h.flow.Refresh(r.Context(), token)
	if err != nil {
		h.cookies.clearRefreshToken(w)
		respondError(w, r, err)
		return
	}

	h.cookies.setRefreshToken(w, tokens.RefreshToken)
	respondJSON(w, http.StatusOK, tokens)
}

// Logout revokes every session of the user and clears the cookies.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, err := reqctx.SessionFrom(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := h.flow.Revoke(r.Context(), sess.ID, authflow.RevokeLogout); err != nil {
		respondError(w, r, err)
		return
	}

	h.cookies.clearRefreshToken(w)
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/policy"
	"github.com/parametricportal/backend/internal/storage"
)

// PolicyHandler serves permission inspection and mutation.
type PolicyHandler struct {
	policy *policy.Service
}

func NewPolicyHandler(policySvc *policy.Service) *PolicyHandler {
	return &PolicyHandler{policy: policySvc}
}

type permissionRequest struct {
	Role     storage.Role `json:"role"`
	Resource string       `json:"resource"`
	Action   string       `json:"action"`
}

func (p permissionRequest) validate() error {
	if p.Role.Rank() < 0 {
		return apperr.Validation("role", "unknown role")
	}
	if p.Resource == "" || p.Action == "" {
		return apperr.Validation("resource", "resource and action are required")
	}
	return nil
}

// ForRole lists a role's effective permissions.
func (h *PolicyHandler) ForRole(w http.ResponseWriter, r *http.Request) {
	if err := h.policy.Require(r.Context(), "policy", "read"); err != nil {
		respondError(w, r, err)
		return
	}

	role := storage.Role(chi.URLParam(r, "role"))
	if role.Rank() < 0 {
		respondError(w, r, apperr.Validation("role", "unknown role"))
		return
	}

	perms, err := h.policy.PermissionsForRole(r.Context(), role)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// Grant adds a permission row for a role.
func (h *PolicyHandler) Grant(w http.ResponseWriter, r *http.Request) {
	if err := h.policy.Require(r.Context(), "policy", "grant"); err != nil {
		respondError(w, r, err)
		return
	}

	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, apperr.Validation("body", "invalid JSON"))
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, r, err)
		return
	}

	if err := h.policy.Grant(r.Context(), req.Role, req.Resource, req.Action); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

// Revoke removes a permission row for a role.
func (h *PolicyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.policy.Require(r.Context(), "policy", "revoke"); err != nil {
		respondError(w, r, err)
		return
	}

	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, apperr.Validation("body", "invalid JSON"))
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, r, err)
		return
	}

	if err := h.policy.Revoke(r.Context(), req.Role, req.Resource, req.Action); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/events"
	"github.com/parametricportal/backend/internal/policy"
	"github.com/parametricportal/backend/internal/storage"
)

// TenantHandler serves tenant provisioning and settings.
type TenantHandler struct {
	repo   storage.Repository
	policy *policy.Service
	bus    events.Bus
}

func NewTenantHandler(repo storage.Repository, policySvc *policy.Service, bus events.Bus) *TenantHandler {
	return &TenantHandler{repo: repo, policy: policySvc, bus: bus}
}

type provisionRequest struct {
	ID        string          `json:"id"`
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Settings  json.RawMessage `json:"settings,omitempty"`
}

// Provision creates a tenant row and seeds its default policy catalog in one
// transaction. A seeding failure rolls the tenant row back with it.
func (h *TenantHandler) Provision(w http.ResponseWriter, r *http.Request) {
	if err := h.policy.Require(r.Context(), "apps", "provision"); err != nil {
		respondError(w, r, err)
		return
	}

	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, apperr.Validation("body", "invalid JSON"))
		return
	}
	if req.ID == "" || req.Namespace == "" {
		respondError(w, r, apperr.Validation("id", "id and namespace are required"))
		return
	}

	if _, err := h.repo.Apps().One(r.Context(), req.ID); err == nil {
		respondError(w, r, apperr.Conflict("app", "tenant already exists"))
		return
	}

	var app storage.App
	err := h.repo.WithTransaction(r.Context(), func(ctx context.Context, tx storage.Repository) error {
		var err error
		app, err = tx.Apps().Insert(ctx, storage.App{
			ID:        req.ID,
			Namespace: req.Namespace,
			Name:      req.Name,
			Settings:  req.Settings,
		})
		if err != nil {
			return err
		}
		return h.policy.SeedTenant(ctx, tx, app.ID)
	})
	if err != nil {
		respondError(w, r, apperr.Internal(err))
		return
	}

	respondJSON(w, http.StatusCreated, app)
}

// ReadSettings returns a tenant's settings document.
func (h *TenantHandler) ReadSettings(w http.ResponseWriter, r *http.Request) {
	if err := h.policy.Require(r.Context(), "apps", "readSettings"); err != nil {
		respondError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	settings, err := h.repo.Apps().ReadSettings(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, r, apperr.NotFound("app", id))
			return
		}
		respondError(w, r, apperr.Internal(err))
		return
	}
	if len(settings) == 0 {
		settings = []byte("{}")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(settings)
}

// UpdateSettings replaces a tenant's settings document and announces the
// change on the event bus.
func (h *TenantHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	if err := h.policy.Require(r.Context(), "apps", "updateSettings"); err != nil {
		respondError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || !json.Valid(body) {
		respondError(w, r, apperr.Validation("body", "settings must be valid JSON"))
		return
	}

	if err := h.repo.Apps().UpdateSettings(r.Context(), id, body); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, r, apperr.NotFound("app", id))
			return
		}
		respondError(w, r, apperr.Internal(err))
		return
	}

	payload, _ := json.Marshal(map[string]string{"appId": id})
	if err := h.bus.Publish(r.Context(), &events.Event{
		Type:     events.TypeAppSettingsUpdated,
		TenantID: id,
		Payload:  payload,
	}); err != nil {
		respondError(w, r, apperr.Internal(err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// Package policy resolves role permissions and gates every protected
// operation. Permission rows are cached per (tenant, role); grants and
// revocations invalidate the cache and announce themselves on the event bus
// so every pod converges.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/audit"
	"github.com/parametricportal/backend/internal/cache"
	"github.com/parametricportal/backend/internal/events"
	"github.com/parametricportal/backend/internal/metrics"
	"github.com/parametricportal/backend/internal/reqctx"
	"github.com/parametricportal/backend/internal/storage"
)

const policyCacheStore = "policy"

// defaultCacheTTL bounds how long a revocation may remain visible through a
// pod that missed the invalidation broadcast.
const defaultCacheTTL = 5 * time.Minute

// roleKey addresses the permission cache.
type roleKey struct {
	TenantID string
	Role     storage.Role
}

func (k roleKey) PrimaryKey() string { return k.TenantID + ":" + string(k.Role) }

// changedPayload is the event-bus body of a policy.changed event.
type changedPayload struct {
	TenantID string       `json:"tenantId"`
	Role     storage.Role `json:"role"`
}

// Service enforces and mutates tenant policies.
type Service struct {
	repo  storage.Repository
	bus   events.Bus
	audit audit.Logger

	perms *cache.Typed[roleKey, []storage.Permission]
	unsub func()
}

// NewService builds the service, its permission cache and the bus
// subscription that keeps the cache coherent across pods.
func NewService(repo storage.Repository, store cache.Store, nodeID string, bus events.Bus, auditLog audit.Logger) (*Service, error) {
	s := &Service{repo: repo, bus: bus, audit: auditLog}

	perms, err := cache.NewTyped(store, nodeID, policyCacheStore, defaultCacheTTL,
		func(ctx context.Context, key roleKey) ([]storage.Permission, error) {
			rows, err := repo.Permissions().ByRole(ctx, key.TenantID, key.Role)
			if err != nil {
				return nil, err
			}
			if rows == nil {
				rows = []storage.Permission{}
			}
			return rows, nil
		})
	if err != nil {
		return nil, err
	}
	s.perms = perms

	s.unsub = bus.Subscribe(events.TypePolicyChanged, func(ctx context.Context, event *events.Event) error {
		var payload changedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		s.perms.Invalidate(ctx, roleKey{TenantID: payload.TenantID, Role: payload.Role})
		return nil
	})
	return s, nil
}

// Close releases the cache and bus subscriptions.
func (s *Service) Close() {
	if s.unsub != nil {
		s.unsub()
	}
	s.perms.Close()
}

// Require gates a protected operation. The checks run cheapest first: rule
// flags off the session, then the user row, then the cached permission set.
func (s *Service) Require(ctx context.Context, resource, action string) error {
	sess, err := reqctx.SessionFrom(ctx)
	if err != nil {
		return err
	}

	if entry, ok := lookupEntry(resource, action); ok {
		if entry.Interactive && sess.Kind != reqctx.KindSession {
			return apperr.Forbidden("Interactive session required")
		}
		if entry.RequireMFA {
			if !sess.MFAEnabled {
				return apperr.Forbidden("MFA enrollment required")
			}
			if sess.VerifiedAt == nil {
				return apperr.Forbidden("MFA verification required")
			}
		}
	}

	user, err := s.repo.Users().One(ctx, sess.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Auth("user_gone")
	}
	if err != nil {
		return apperr.Internal(err)
	}
	if user.Status != storage.StatusActive {
		return apperr.Forbidden("User is not active")
	}

	tenantID := reqctx.TenantID(ctx)
	perms, err := s.perms.Get(ctx, roleKey{TenantID: tenantID, Role: user.Role})
	if err != nil {
		return apperr.Internal(err)
	}
	for _, p := range perms {
		if p.Resource == resource && p.Action == action {
			return nil
		}
	}

	metrics.PermissionDenied.WithLabelValues(tenantID, string(user.Role), resource, action).Inc()
	s.audit.Log(ctx, sess.UserID, audit.ActionPermissionDenied, resource, map[string]string{
		"role":   string(user.Role),
		"action": action,
	})
	return apperr.Forbidden("Insufficient permissions")
}

// Grant inserts a permission row and broadcasts the change.
func (s *Service) Grant(ctx context.Context, role storage.Role, resource, action string) error {
	tenantID := reqctx.TenantID(ctx)
	if _, err := s.repo.Permissions().Grant(ctx, tenantID, role, resource, action); err != nil {
		return apperr.Internal(err)
	}
	s.afterChange(ctx, tenantID, role)

	if sess, err := reqctx.SessionFrom(ctx); err == nil {
		s.audit.Log(ctx, sess.UserID, audit.ActionPolicyGranted, resource, map[string]string{
			"role": string(role), "action": action,
		})
	}
	return nil
}

// Revoke soft-deletes a permission row and broadcasts the change.
func (s *Service) Revoke(ctx context.Context, role storage.Role, resource, action string) error {
	tenantID := reqctx.TenantID(ctx)
	if err := s.repo.Permissions().Revoke(ctx, tenantID, role, resource, action); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("permission", resource+"."+action)
		}
		return apperr.Internal(err)
	}
	s.afterChange(ctx, tenantID, role)

	if sess, err := reqctx.SessionFrom(ctx); err == nil {
		s.audit.Log(ctx, sess.UserID, audit.ActionPolicyRevoked, resource, map[string]string{
			"role": string(role), "action": action,
		})
	}
	return nil
}

// PermissionsForRole lists a role's effective permissions through the cache.
func (s *Service) PermissionsForRole(ctx context.Context, role storage.Role) ([]storage.Permission, error) {
	perms, err := s.perms.Get(ctx, roleKey{TenantID: reqctx.TenantID(ctx), Role: role})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return perms, nil
}

var allRoles = []storage.Role{
	storage.RoleGuest, storage.RoleViewer, storage.RoleMember, storage.RoleAdmin, storage.RoleOwner,
}

// privilegedRoles receive catalog entries marked privileged.
var privilegedRoles = map[storage.Role]bool{
	storage.RoleAdmin: true,
	storage.RoleOwner: true,
}

// SeedTenant walks the catalog and inserts the default permission rows for a
// new tenant. It runs against the caller's transactional repository so a
// failed seeding rolls back together with the tenant row.
func (s *Service) SeedTenant(ctx context.Context, tx storage.Repository, tenantID string) error {
	for _, entry := range Catalog {
		for _, role := range allRoles {
			if entry.Privileged && !privilegedRoles[role] {
				continue
			}
			if _, err := tx.Permissions().Grant(ctx, tenantID, role, entry.Resource, entry.Action); err != nil {
				return err
			}
		}
	}
	s.audit.Log(ctx, uuid.Nil, audit.ActionTenantSeeded, "policy", map[string]string{"tenant": tenantID})
	return nil
}

func (s *Service) afterChange(ctx context.Context, tenantID string, role storage.Role) {
	s.perms.Invalidate(ctx, roleKey{TenantID: tenantID, Role: role})

	payload, _ := json.Marshal(changedPayload{TenantID: tenantID, Role: role})
	if err := s.bus.Publish(ctx, &events.Event{
		Type:     events.TypePolicyChanged,
		TenantID: tenantID,
		Payload:  payload,
	}); err != nil {
		// Every pod still converges through the cache TTL.
		slog.Warn("policy_event_publish_failed", "tenant", tenantID, "role", role, "error", err)
	}
}

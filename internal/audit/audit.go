// Package audit records security-relevant events on a structured side
// channel. Writes are fire-and-forget: a failing sink logs and never
// propagates into the request path.
package audit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/backend/internal/reqctx"
)

// Action categorizes an audit entry.
type Action string

const (
	ActionLoginSuccess     Action = "auth.login.success"
	ActionLoginFailed      Action = "auth.login.failed"
	ActionLogout           Action = "auth.logout"
	ActionSessionRefreshed Action = "auth.session.refreshed"
	ActionSessionsRevoked  Action = "auth.sessions.revoked"
	ActionMFAEnrolled      Action = "mfa.enrolled"
	ActionMFAVerified      Action = "mfa.verified"
	ActionMFADisabled      Action = "mfa.disabled"
	ActionPermissionDenied Action = "security.permission_denied"
	ActionRateLimited      Action = "security.rate_limited"
	ActionPolicyGranted    Action = "policy.granted"
	ActionPolicyRevoked    Action = "policy.revoked"
	ActionTenantSeeded     Action = "tenant.policy_seeded"
)

// Logger is the contract for the audit side channel.
type Logger interface {
	Log(ctx context.Context, actorID uuid.UUID, action Action, resource string, metadata map[string]string)
}

// JSONLogger writes structured entries to stdout with a log_type marker that
// aggregators filter into a separate, immutable index.
type JSONLogger struct {
	logger *slog.Logger
}

// NewJSONLogger builds a logger on its own JSON handler so formatting stays
// consistent regardless of the main application logger's environment.
func NewJSONLogger() *JSONLogger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &JSONLogger{logger: slog.New(handler)}
}

// Log emits one audit entry. Tenant and request ids come from the request
// context so callers never forget them.
func (l *JSONLogger) Log(ctx context.Context, actorID uuid.UUID, action Action, resource string, metadata map[string]string) {
	fields := []interface{}{
		slog.String("log_type", "AUDIT_TRAIL"),
		slog.String("tenant_id", reqctx.TenantID(ctx)),
		slog.String("request_id", reqctx.RequestID(ctx)),
		slog.String("actor_id", actorID.String()),
		slog.String("action", string(action)),
		slog.String("resource", resource),
		slog.Time("timestamp_utc", time.Now().UTC()),
	}
	for k, v := range metadata {
		fields = append(fields, slog.String("meta_"+k, v))
	}
	l.logger.InfoContext(ctx, "audit_event", fields...)
}

// Discard is a no-op Logger for tests.
type Discard struct{}

// Log implements Logger.
func (Discard) Log(context.Context, uuid.UUID, Action, string, map[string]string) {}

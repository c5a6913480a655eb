// Package reqctx carries the per-request execution context: tenant binding,
// session state, rate-limit observations, circuit state and cluster identity.
// The record itself is immutable (copy-on-override); rate-limit and circuit
// observations go through a shared holder so components deep in the call
// chain can report state the edge reads after the handler returns.
package reqctx

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/backend/internal/apperr"
)

// Reserved tenant ids.
const (
	TenantSystem  = "system"
	TenantDefault = "default"
	TenantJob     = "job"
)

// SessionKind distinguishes interactive sessions from API keys.
type SessionKind string

const (
	KindSession SessionKind = "session"
	KindAPIKey  SessionKind = "api_key"
)

// Session is the runtime view of an authenticated session.
// VerifiedAt is nil exactly while MFA is enrolled but not yet verified
// for this session.
type Session struct {
	ID         uuid.UUID   `json:"id"`
	UserID     uuid.UUID   `json:"userId"`
	Kind       SessionKind `json:"kind"`
	MFAEnabled bool        `json:"mfaEnabled"`
	VerifiedAt *time.Time  `json:"verifiedAt,omitempty"`
}

// RateLimit is the limiter outcome recorded for header emission.
type RateLimit struct {
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	Delay      time.Duration
}

// Circuit is the most recent circuit-breaker observation on this request.
type Circuit struct {
	Name  string
	State string
}

// Cluster identifies the pod/shard executing the request.
type Cluster struct {
	EntityID   string
	EntityType string
	IsLeader   bool
	RunnerID   string
	ShardID    string
}

// Context is the immutable per-request record.
type Context struct {
	TenantID  string
	RequestID string
	Session   *Session
	IPAddress string
	UserAgent string
	Cluster   *Cluster

	obs *observed
}

// observed holds the mutable observations shared across derived contexts
// of the same request. Never shared across requests.
type observed struct {
	mu        sync.Mutex
	rateLimit *RateLimit
	circuit   *Circuit
}

type ctxKey struct{}

// New creates a request context for the given tenant, generating a request id.
// An empty tenant id falls back to the default tenant, matching system scopes.
func New(tenantID string) Context {
	if tenantID == "" {
		tenantID = TenantDefault
	}
	return Context{
		TenantID:  tenantID,
		RequestID: uuid.NewString(),
		obs:       &observed{},
	}
}

// Inject stores the record in the Go context.
func Inject(ctx context.Context, rc Context) context.Context {
	if rc.obs == nil {
		rc.obs = &observed{}
	}
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From extracts the current record, or a fresh default-tenant record if the
// caller runs outside a populated request (system fibers, tests).
func From(ctx context.Context) Context {
	if rc, ok := ctx.Value(ctxKey{}).(Context); ok {
		return rc
	}
	return New(TenantDefault)
}

// Locally derives a new Go context with a scoped override of the record.
// Observations stay shared with the parent scope of the same request.
func Locally(ctx context.Context, override func(Context) Context) context.Context {
	rc := From(ctx)
	obs := rc.obs
	rc = override(rc)
	rc.obs = obs // overrides never detach the observation holder
	return Inject(ctx, rc)
}

// WithTenant pins a different tenant id for the scope of the returned context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return Locally(ctx, func(rc Context) Context {
		rc.TenantID = tenantID
		return rc
	})
}

// WithSession binds the authenticated session for downstream calls.
func WithSession(ctx context.Context, s *Session) context.Context {
	return Locally(ctx, func(rc Context) Context {
		rc.Session = s
		return rc
	})
}

// TenantID returns the bound tenant id, defaulting when unset.
func TenantID(ctx context.Context) string {
	return From(ctx).TenantID
}

// RequestID returns the bound request id.
func RequestID(ctx context.Context) string {
	return From(ctx).RequestID
}

// SessionFrom returns the bound session or an auth error if there is none.
func SessionFrom(ctx context.Context) (*Session, error) {
	s := From(ctx).Session
	if s == nil {
		return nil, apperr.Auth("session_required")
	}
	return s, nil
}

// IsLeader reports whether the executing pod holds cluster leadership.
func IsLeader(ctx context.Context) bool {
	c := From(ctx).Cluster
	return c != nil && c.IsLeader
}

// ShardID returns the executing shard id, if any.
func ShardID(ctx context.Context) string {
	c := From(ctx).Cluster
	if c == nil {
		return ""
	}
	return c.ShardID
}

// SetRateLimit records the limiter outcome for this request.
func SetRateLimit(ctx context.Context, rl RateLimit) {
	rc := From(ctx)
	if rc.obs == nil {
		return
	}
	rc.obs.mu.Lock()
	rc.obs.rateLimit = &rl
	rc.obs.mu.Unlock()
}

// RateLimitFrom reads the recorded limiter outcome, or nil.
func RateLimitFrom(ctx context.Context) *RateLimit {
	rc := From(ctx)
	if rc.obs == nil {
		return nil
	}
	rc.obs.mu.Lock()
	defer rc.obs.mu.Unlock()
	if rc.obs.rateLimit == nil {
		return nil
	}
	rl := *rc.obs.rateLimit
	return &rl
}

// SetCircuit records the latest circuit observation for this request.
func SetCircuit(ctx context.Context, c Circuit) {
	rc := From(ctx)
	if rc.obs == nil {
		return
	}
	rc.obs.mu.Lock()
	rc.obs.circuit = &c
	rc.obs.mu.Unlock()
}

// CircuitFrom reads the latest circuit observation, or nil.
func CircuitFrom(ctx context.Context) *Circuit {
	rc := From(ctx)
	if rc.obs == nil {
		return nil
	}
	rc.obs.mu.Lock()
	defer rc.obs.mu.Unlock()
	if rc.obs.circuit == nil {
		return nil
	}
	c := *rc.obs.circuit
	return &c
}

// Serializable is the cross-pod projection of the record. Only fields safe
// to ship over the wire survive; sessions and observations do not.
type Serializable struct {
	TenantID  string `json:"tenantId"`
	RequestID string `json:"requestId"`
	ShardID   string `json:"shardId,omitempty"`
}

// ToSerializable projects the current record for trace propagation.
func ToSerializable(ctx context.Context) Serializable {
	rc := From(ctx)
	return Serializable{
		TenantID:  rc.TenantID,
		RequestID: rc.RequestID,
		ShardID:   ShardID(ctx),
	}
}

// FromSerializable rebuilds a request context on the receiving pod.
func FromSerializable(s Serializable) Context {
	rc := New(s.TenantID)
	if s.RequestID != "" {
		rc.RequestID = s.RequestID
	}
	if s.ShardID != "" {
		rc.Cluster = &Cluster{ShardID: s.ShardID}
	}
	return rc
}

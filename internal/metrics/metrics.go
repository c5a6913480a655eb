// Package metrics exposes the Prometheus instruments shared by the core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Logins counts successful logins by provider and whether the user was
	// created on this login.
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logins_total",
		Help: "Successful logins by provider and new-user flag.",
	}, []string{"provider", "new_user"})

	// PermissionDenied counts policy denials.
	PermissionDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "security_permission_denied_total",
		Help: "Policy denials by tenant, role, resource and action.",
	}, []string{"tenant", "role", "resource", "action"})

	// RateLimited counts rejected requests per preset.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limited_total",
		Help: "Requests rejected by the rate limiter, per preset.",
	}, []string{"preset"})

	// RateLimitStoreFailures counts limiter backend failures (the fail-open
	// path pretends full allowance after incrementing this).
	RateLimitStoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_store_failures_total",
		Help: "Rate-limit store failures, per preset.",
	}, []string{"preset"})

	// CircuitTransitions counts breaker state changes.
	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_transitions_total",
		Help: "Circuit breaker state transitions by circuit and target state.",
	}, []string{"name", "to"})

	// MFAVerifications counts TOTP/backup verification outcomes.
	MFAVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mfa_verifications_total",
		Help: "MFA verification attempts by result.",
	}, []string{"result"})
)

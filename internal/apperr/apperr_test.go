package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Auth("invalid"), http.StatusUnauthorized},
		{Forbidden("nope"), http.StatusForbidden},
		{Validation("email", "required"), http.StatusBadRequest},
		{Conflict("mfa", "already enabled"), http.StatusConflict},
		{NotFound("session", "abc"), http.StatusNotFound},
		{RateLimit(time.Minute, ""), http.StatusTooManyRequests},
		{OAuth("google", "state_mismatch"), http.StatusBadGateway},
		{CircuitErr("oauth:google", CircuitBroken, nil), http.StatusServiceUnavailable},
		{Internal(errors.New("boom")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.HTTPStatus(), "kind %s", tc.err.Kind)
	}
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "auth/invalid", Auth("invalid").Error())
	assert.Equal(t, "forbidden/forbidden: MFA verification required",
		Forbidden("MFA verification required").Error())

	wrapped := Internal(errors.New("pg down"))
	assert.Contains(t, wrapped.Error(), "pg down")
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Internal(cause)
	assert.ErrorIs(t, err, cause)
}

func TestAs(t *testing.T) {
	assert.Nil(t, As(nil))
	assert.Nil(t, As(errors.New("plain")))

	inner := Auth("expired")
	wrapped := fmt.Errorf("while refreshing: %w", inner)
	got := As(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, KindAuth, got.Kind)
	assert.Equal(t, "expired", got.Reason)
}

func TestIsKind(t *testing.T) {
	assert.True(t, IsKind(Auth("x"), KindAuth))
	assert.False(t, IsKind(Auth("x"), KindForbidden))
	assert.False(t, IsKind(errors.New("plain"), KindAuth))
}

func TestRateLimitPayload(t *testing.T) {
	err := RateLimit(90*time.Second, "email-verify")
	assert.Equal(t, 90*time.Second, err.RetryAfter)
	assert.Equal(t, "email-verify", err.RecoveryAction)
	assert.Equal(t, "rate_limited", err.Reason)
}

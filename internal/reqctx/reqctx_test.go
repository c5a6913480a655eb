package reqctx

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/backend/internal/apperr"
)

func TestNew_DefaultsTenant(t *testing.T) {
	rc := New("")
	assert.Equal(t, TenantDefault, rc.TenantID)
	assert.NotEmpty(t, rc.RequestID)
}

func TestFrom_UnpopulatedContext(t *testing.T) {
	rc := From(t.Context())
	assert.Equal(t, TenantDefault, rc.TenantID)
}

func TestInjectAndTenantID(t *testing.T) {
	ctx := Inject(t.Context(), New("acme"))
	assert.Equal(t, "acme", TenantID(ctx))
}

func TestWithTenant_ScopedOverride(t *testing.T) {
	ctx := Inject(t.Context(), New("acme"))
	scoped := WithTenant(ctx, "other")

	assert.Equal(t, "other", TenantID(scoped))
	// The parent context keeps its binding.
	assert.Equal(t, "acme", TenantID(ctx))
	// The request id survives the override.
	assert.Equal(t, RequestID(ctx), RequestID(scoped))
}

func TestSessionFrom(t *testing.T) {
	ctx := Inject(t.Context(), New("acme"))

	_, err := SessionFrom(ctx)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindAuth))

	sess := &Session{ID: uuid.New(), UserID: uuid.New(), Kind: KindSession}
	ctx = WithSession(ctx, sess)
	got, err := SessionFrom(ctx)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestObservations_SharedAcrossOverrides(t *testing.T) {
	ctx := Inject(t.Context(), New("acme"))
	scoped := WithTenant(ctx, "other")

	// An observation recorded in the derived scope is visible from the
	// parent scope of the same request.
	SetRateLimit(scoped, RateLimit{Limit: 10, Remaining: 3, ResetAfter: time.Second})

	rl := RateLimitFrom(ctx)
	require.NotNil(t, rl)
	assert.Equal(t, 10, rl.Limit)
	assert.Equal(t, 3, rl.Remaining)

	SetCircuit(ctx, Circuit{Name: "oauth:google", State: "open"})
	c := CircuitFrom(scoped)
	require.NotNil(t, c)
	assert.Equal(t, "open", c.State)
}

func TestSerializableRoundTrip(t *testing.T) {
	ctx := Inject(t.Context(), Context{
		TenantID:  "acme",
		RequestID: "req-1",
		Cluster:   &Cluster{ShardID: "shard-7"},
	})

	s := ToSerializable(ctx)
	assert.Equal(t, "acme", s.TenantID)
	assert.Equal(t, "req-1", s.RequestID)
	assert.Equal(t, "shard-7", s.ShardID)

	rc := FromSerializable(s)
	assert.Equal(t, "acme", rc.TenantID)
	assert.Equal(t, "req-1", rc.RequestID)
	assert.Equal(t, "shard-7", rc.Cluster.ShardID)
	// Sessions and observations never cross the wire.
	assert.Nil(t, rc.Session)
}

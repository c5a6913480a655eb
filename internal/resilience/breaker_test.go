package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/reqctx"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	t.Cleanup(r.Close)
	return r
}

func TestExecute_PassesThroughSuccessAndFailure(t *testing.T) {
	r := testRegistry(t)
	ctx := t.Context()

	require.NoError(t, r.Execute(ctx, "ok", Config{}, func(context.Context) error { return nil }))

	// fn errors surface unchanged so the caller's taxonomy survives.
	cause := apperr.OAuth("google", "exchange_failed")
	err := r.Execute(ctx, "ok", Config{}, func(context.Context) error { return cause })
	require.Error(t, err)
	ae := apperr.As(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.KindOAuth, ae.Kind)
}

func TestExecute_ConsecutiveFailuresOpenCircuit(t *testing.T) {
	r := testRegistry(t)
	ctx := t.Context()
	boom := errors.New("upstream down")
	cfg := Config{Strategy: Consecutive, Failures: 3}

	for i := 0; i < 3; i++ {
		err := r.Execute(ctx, "flaky", cfg, func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", r.State("flaky"))

	// While open, fn never runs and the rejection is a circuit error.
	ran := false
	err := r.Execute(ctx, "flaky", cfg, func(context.Context) error { ran = true; return nil })
	require.Error(t, err)
	assert.False(t, ran)
	ae := apperr.As(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.KindCircuit, ae.Kind)
	assert.Equal(t, apperr.CircuitBroken, ae.CircuitReason)
}

func TestExecute_HalfOpenRecovers(t *testing.T) {
	r := testRegistry(t)
	ctx := t.Context()
	cfg := Config{Strategy: Consecutive, Failures: 1, HalfOpenAfter: 50 * time.Millisecond}
	boom := errors.New("down")

	_ = r.Execute(ctx, "recovering", cfg, func(context.Context) error { return boom })
	require.Equal(t, "open", r.State("recovering"))

	time.Sleep(80 * time.Millisecond)

	// The half-open trial succeeds and closes the circuit.
	require.NoError(t, r.Execute(ctx, "recovering", cfg, func(context.Context) error { return nil }))
	assert.Equal(t, "closed", r.State("recovering"))
}

func TestIsolate(t *testing.T) {
	r := testRegistry(t)
	ctx := t.Context()

	release := r.Isolate("maintenance")
	err := r.Execute(ctx, "maintenance", Config{}, func(context.Context) error { return nil })
	require.Error(t, err)
	ae := apperr.As(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.CircuitIsolated, ae.CircuitReason)
	assert.Equal(t, "open", r.State("maintenance"))

	release()
	assert.NoError(t, r.Execute(ctx, "maintenance", Config{}, func(context.Context) error { return nil }))
}

func TestExecute_CancelledContext(t *testing.T) {
	r := testRegistry(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := r.Execute(ctx, "cancelled", Config{}, func(context.Context) error { return nil })
	require.Error(t, err)
	ae := apperr.As(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.CircuitCancelled, ae.CircuitReason)
}

func TestExecute_RecordsObservation(t *testing.T) {
	r := testRegistry(t)
	ctx := reqctx.Inject(t.Context(), reqctx.New("acme"))

	require.NoError(t, r.Execute(ctx, "observed", Config{}, func(context.Context) error { return nil }))

	c := reqctx.CircuitFrom(ctx)
	require.NotNil(t, c)
	assert.Equal(t, "observed", c.Name)
	assert.Equal(t, "closed", c.State)
}

func TestState_UnknownCircuit(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, "unknown", r.State("never-used"))
}

func TestGC_DropsIdleCircuits(t *testing.T) {
	r := testRegistry(t)
	ctx := t.Context()

	require.NoError(t, r.Execute(ctx, "idle", Config{}, func(context.Context) error { return nil }))
	r.GC(0)
	assert.Equal(t, "unknown", r.State("idle"))
}

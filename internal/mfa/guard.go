package mfa

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/backend/internal/cache"
)

// replayTTL covers the full validity span of a code under one window of
// drift tolerance (30s period, skew 1) with margin.
const replayTTL = 150 * time.Second

// ReplayGuard rejects TOTP codes that were already accepted within their
// validity window. The mark is an atomic SetNX in the shared cache so it
// holds across pods.
type ReplayGuard struct {
	store cache.Store
}

func NewReplayGuard(store cache.Store) *ReplayGuard {
	return &ReplayGuard{store: store}
}

// CheckAndMark records (user, timeStep, code) and reports whether it was
// already presented. Fail-closed: when the store is unreachable the code is
// treated as used, since refusing a legitimate code is safer than accepting
// a replayed one.
func (g *ReplayGuard) CheckAndMark(ctx context.Context, userID uuid.UUID, step int64, code string) bool {
	key := fmt.Sprintf("totp:%s:%d:%s", userID, step, code)
	created, err := g.store.SetNX(ctx, key, "1", replayTTL)
	if err != nil {
		slog.Warn("replay_guard_store_unavailable", "error", err)
		return true
	}
	return !created
}

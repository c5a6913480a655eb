// Package ratelimit enforces preset-driven request budgets. Token-bucket
// presets run on in-process limiters; fixed-window presets count through the
// shared cache store so the budget holds across pods. Every consume writes
// its outcome into the request context for header emission at the edge.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/audit"
	"github.com/parametricportal/backend/internal/cache"
	"github.com/parametricportal/backend/internal/metrics"
	"github.com/parametricportal/backend/internal/reqctx"
)

// Limiter resolves presets and enforces them.
type Limiter struct {
	store cache.Store
	audit audit.Logger

	mu      sync.Mutex
	buckets map[string]*bucketEntry
	done    chan struct{}
	once    sync.Once
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter and starts its bucket GC loop.
func New(store cache.Store, auditLog audit.Logger) *Limiter {
	l := &Limiter{
		store:   store,
		audit:   auditLog,
		buckets: make(map[string]*bucketEntry),
		done:    make(chan struct{}),
	}
	go l.gcLoop()
	return l
}

// Close stops the GC loop.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

// Consume takes one request's worth of budget from the named preset.
// On exceed it records the outcome in the request context, audits, and
// returns a RateLimit error carrying the retry window.
func (l *Limiter) Consume(ctx context.Context, presetName string) error {
	preset, ok := Presets[presetName]
	if !ok {
		return apperr.Internal(fmt.Errorf("unknown rate-limit preset %q", presetName))
	}

	key := l.key(ctx, preset)

	var res reqctx.RateLimit
	var allowed bool
	var retryAfter time.Duration

	switch preset.Kind {
	case FixedWindow:
		allowed, res, retryAfter = l.consumeWindow(ctx, preset, key)
	default:
		allowed, res, retryAfter = l.consumeBucket(ctx, preset, key)
	}

	reqctx.SetRateLimit(ctx, res)

	if allowed {
		return nil
	}

	metrics.RateLimited.WithLabelValues(preset.Name).Inc()
	actor := uuid.Nil
	if s := reqctx.From(ctx).Session; s != nil {
		actor = s.UserID
	}
	l.audit.Log(ctx, actor, audit.ActionRateLimited, preset.Name, map[string]string{
		"key":         key,
		"retry_after": retryAfter.String(),
	})

	err := apperr.RateLimit(retryAfter, preset.RecoveryAction)
	err.Limit = res.Limit
	err.Remaining = res.Remaining
	return err
}

// key builds "{preset}:{tenant}:{userId|anonymous}:{ipOrUnknown}".
func (l *Limiter) key(ctx context.Context, preset Preset) string {
	rc := reqctx.From(ctx)
	user := "anonymous"
	if rc.Session != nil {
		user = rc.Session.UserID.String()
	}
	ip := rc.IPAddress
	if ip == "" {
		ip = "unknown"
	}
	return fmt.Sprintf("%s:%s:%s:%s", preset.Name, rc.TenantID, user, ip)
}

func (l *Limiter) consumeBucket(ctx context.Context, preset Preset, key string) (bool, reqctx.RateLimit, time.Duration) {
	now := time.Now()
	lim := l.bucket(preset, key, now)

	r := lim.ReserveN(now, preset.Tokens)
	if !r.OK() {
		// Tokens exceed the burst size; treat as a full-window rejection.
		return false, reqctx.RateLimit{Limit: preset.Limit, Remaining: 0, ResetAfter: preset.Window}, preset.Window
	}

	delay := r.DelayFrom(now)
	if delay > 0 && preset.DelayMode {
		// Delay-mode presets pace the caller instead of rejecting.
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			r.CancelAt(now)
			return false, reqctx.RateLimit{Limit: preset.Limit, Remaining: remaining(lim), ResetAfter: delay}, delay
		case <-timer.C:
		}
		return true, reqctx.RateLimit{Limit: preset.Limit, Remaining: remaining(lim), ResetAfter: 0, Delay: delay}, 0
	}
	if delay > 0 {
		r.CancelAt(now)
		return false, reqctx.RateLimit{Limit: preset.Limit, Remaining: remaining(lim), ResetAfter: delay}, delay
	}

	return true, reqctx.RateLimit{Limit: preset.Limit, Remaining: remaining(lim)}, 0
}

func (l *Limiter) consumeWindow(ctx context.Context, preset Preset, key string) (bool, reqctx.RateLimit, time.Duration) {
	now := time.Now()
	windowSec := int64(preset.Window / time.Second)
	slot := now.Unix() / windowSec
	resetAfter := time.Duration(windowSec-(now.Unix()%windowSec)) * time.Second
	storeKey := fmt.Sprintf("ratelimit:%s:%d", key, slot)

	count, err := l.store.Incr(ctx, storeKey, preset.Window)
	if err != nil {
		metrics.RateLimitStoreFailures.WithLabelValues(preset.Name).Inc()
		slog.Warn("rate_limit_store_failure", "preset", preset.Name, "error", err)
		if preset.FailOpen {
			return true, reqctx.RateLimit{Limit: preset.Limit, Remaining: preset.Limit}, 0
		}
		return false, reqctx.RateLimit{Limit: preset.Limit, Remaining: 0, ResetAfter: resetAfter}, resetAfter
	}

	rem := preset.Limit - int(count)
	if rem < 0 {
		rem = 0
	}
	if int(count) > preset.Limit {
		return false, reqctx.RateLimit{Limit: preset.Limit, Remaining: 0, ResetAfter: resetAfter}, resetAfter
	}
	return true, reqctx.RateLimit{Limit: preset.Limit, Remaining: rem, ResetAfter: resetAfter}, 0
}

func (l *Limiter) bucket(preset Preset, key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.buckets[key]
	if !ok {
		e = &bucketEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(preset.Limit)/preset.Window.Seconds()), preset.Limit),
		}
		l.buckets[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (l *Limiter) gcLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-30 * time.Minute)
			l.mu.Lock()
			for k, e := range l.buckets {
				if e.lastSeen.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

func remaining(lim *rate.Limiter) int {
	t := int(lim.Tokens())
	if t < 0 {
		return 0
	}
	return t
}

package mfa

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/backend/internal/apperr"
)

const (
	lockoutThreshold = 5
	lockoutBase      = 30 * time.Second
	lockoutCap       = 15 * time.Minute
)

type lockState struct {
	count       int
	lockedUntil time.Time
	lastFailure time.Time
}

// Lockout tracks per-user verification failures and applies an exponential
// lock once the threshold is reached. State is process-local: brute force
// has to succeed on a single worker to matter, and volume is bounded by
// user count.
type Lockout struct {
	mu    sync.Mutex
	users map[uuid.UUID]lockState
	done  chan struct{}
	once  sync.Once
}

// NewLockout creates the tracker and starts its cleanup loop.
func NewLockout() *Lockout {
	l := &Lockout{
		users: make(map[uuid.UUID]lockState),
		done:  make(chan struct{}),
	}
	go l.gcLoop()
	return l
}

// Close stops the cleanup loop.
func (l *Lockout) Close() {
	l.once.Do(func() { close(l.done) })
}

// Check fails with a rate-limit error while the user is locked out.
func (l *Lockout) Check(userID uuid.UUID) error {
	l.mu.Lock()
	state, ok := l.users[userID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if remaining := time.Until(state.lockedUntil); remaining > 0 {
		return apperr.RateLimit(remaining, "email-verify")
	}
	return nil
}

// RecordFailure bumps the counter; from the fifth failure on, each one locks
// the user for 30s doubling up to a 15 minute cap.
func (l *Lockout) RecordFailure(userID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.users[userID]
	state.count++
	state.lastFailure = time.Now()
	if state.count >= lockoutThreshold {
		lock := lockoutBase << (state.count - lockoutThreshold)
		if lock > lockoutCap || lock <= 0 {
			lock = lockoutCap
		}
		state.lockedUntil = time.Now().Add(lock)
	}
	l.users[userID] = state
}

// RecordSuccess clears the user's failure history.
func (l *Lockout) RecordSuccess(userID uuid.UUID) {
	l.mu.Lock()
	delete(l.users, userID)
	l.mu.Unlock()
}

func (l *Lockout) gcLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-lockoutCap)
			l.mu.Lock()
			for id, state := range l.users {
				if state.lastFailure.Before(cutoff) {
					delete(l.users, id)
				}
			}
			l.mu.Unlock()
		}
	}
}

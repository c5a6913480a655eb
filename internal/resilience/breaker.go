// Package resilience wraps outbound effects in named circuit breakers.
// Circuits live in a process-wide registry, expose their state through the
// request context, and are garbage collected when idle.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/metrics"
	"github.com/parametricportal/backend/internal/reqctx"
)

// Strategy selects when a circuit trips open.
type Strategy string

const (
	// Consecutive opens after N failures in a row (default 5).
	Consecutive Strategy = "consecutive"
	// Count opens when the failure ratio across the last Size calls
	// exceeds Threshold (defaults 100 / 0.2).
	Count Strategy = "count"
	// Sampling opens when the failure ratio inside a rolling time window
	// exceeds Threshold.
	Sampling Strategy = "sampling"
)

// Config tunes one circuit. Zero values take the documented defaults.
type Config struct {
	Strategy      Strategy
	Failures      uint32        // consecutive strategy
	Size          uint32        // count strategy sample size
	Threshold     float64       // count/sampling failure ratio
	Window        time.Duration // sampling strategy
	HalfOpenAfter time.Duration // open -> half-open delay (default 30s)
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = Consecutive
	}
	if c.Failures == 0 {
		c.Failures = 5
	}
	if c.Size == 0 {
		c.Size = 100
	}
	if c.Threshold == 0 {
		c.Threshold = 0.2
	}
	if c.Window == 0 {
		c.Window = time.Minute
	}
	if c.HalfOpenAfter == 0 {
		c.HalfOpenAfter = 30 * time.Second
	}
	return c
}

const defaultMaxIdle = 5 * time.Minute

// Registry holds named circuits.
type Registry struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	done     chan struct{}
	once     sync.Once
}

type circuit struct {
	cb       *gobreaker.CircuitBreaker
	isolated bool
	lastUsed time.Time
}

// NewRegistry creates a registry and starts its idle-GC loop.
func NewRegistry() *Registry {
	r := &Registry{
		circuits: make(map[string]*circuit),
		done:     make(chan struct{}),
	}
	go r.gcLoop()
	return r
}

// Close stops the GC loop.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

// Execute runs fn behind the named circuit. The request context's circuit
// observation is updated on entry and after completion. Rejections surface
// as circuit errors; fn's own failures pass through unchanged so the caller's
// error taxonomy survives wrapping.
func (r *Registry) Execute(ctx context.Context, name string, cfg Config, fn func(context.Context) error) error {
	c := r.circuit(name, cfg)

	r.mu.Lock()
	isolated := c.isolated
	c.lastUsed = time.Now()
	r.mu.Unlock()

	reqctx.SetCircuit(ctx, reqctx.Circuit{Name: name, State: r.State(name)})
	if isolated {
		return apperr.CircuitErr(name, apperr.CircuitIsolated, nil)
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fn(ctx)
	})

	reqctx.SetCircuit(ctx, reqctx.Circuit{Name: name, State: r.State(name)})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return apperr.CircuitErr(name, apperr.CircuitBroken, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperr.CircuitErr(name, apperr.CircuitCancelled, err)
	default:
		return err
	}
}

// Isolate forces the named circuit open until the returned release function
// runs. While isolated, every Execute fails immediately.
func (r *Registry) Isolate(name string) func() {
	c := r.circuit(name, Config{})
	r.mu.Lock()
	c.isolated = true
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		c.isolated = false
		r.mu.Unlock()
	}
}

// State reports the named circuit's state ("closed", "open", "half-open",
// or "unknown" for circuits never executed).
func (r *Registry) State(name string) string {
	r.mu.Lock()
	c, ok := r.circuits[name]
	r.mu.Unlock()
	if !ok {
		return "unknown"
	}
	r.mu.Lock()
	isolated := c.isolated
	r.mu.Unlock()
	if isolated {
		return "open"
	}
	switch c.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// GC drops circuits idle for longer than maxIdle so the registry never grows
// without bound under per-host circuit naming.
func (r *Registry) GC(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.circuits {
		if c.lastUsed.Before(cutoff) && !c.isolated {
			delete(r.circuits, name)
		}
	}
}

func (r *Registry) circuit(name string, cfg Config) *circuit {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.circuits[name]; ok {
		return c
	}

	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single half-open trial
		Timeout:     cfg.HalfOpenAfter,
		ReadyToTrip: readyToTrip(cfg),
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitTransitions.WithLabelValues(name, to.String()).Inc()
			slog.Info("circuit_state_change", "name", name, "from", from.String(), "to", to.String())
		},
	}
	if cfg.Strategy == Sampling {
		// gobreaker clears counts every Interval, approximating a rolling
		// observation window.
		settings.Interval = cfg.Window
	}

	c := &circuit{cb: gobreaker.NewCircuitBreaker(settings), lastUsed: time.Now()}
	r.circuits[name] = c
	return c
}

func readyToTrip(cfg Config) func(gobreaker.Counts) bool {
	switch cfg.Strategy {
	case Count:
		return func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.Size && ratio >= cfg.Threshold
		}
	case Sampling:
		return func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests > 0 && ratio >= cfg.Threshold
		}
	default:
		return func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		}
	}
}

func (r *Registry) gcLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.GC(defaultMaxIdle)
		}
	}
}

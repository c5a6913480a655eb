package ratelimit

import "time"

// Kind selects the limiting algorithm.
type Kind string

const (
	// TokenBucket refills continuously; bursts up to the limit.
	TokenBucket Kind = "token_bucket"
	// FixedWindow counts hits per aligned window through the shared store,
	// so the budget holds across pods.
	FixedWindow Kind = "fixed_window"
)

// Preset is a named rate-limit policy. Every gated operation is assigned one.
type Preset struct {
	Name   string
	Kind   Kind
	Limit  int
	Window time.Duration
	Tokens int // tokens consumed per request (token bucket only)

	// FailOpen: on store failure, log, count the failure and pretend full
	// allowance. Fail-closed presets reject exactly as on exceed.
	FailOpen bool

	// DelayMode waits out short deficits instead of rejecting.
	DelayMode bool

	// RecoveryAction names the out-of-band path clients may use once locked
	// out (surfaced on the error).
	RecoveryAction string
}

// Presets maps preset names to policies.
var Presets = map[string]Preset{
	"api":      {Name: "api", Kind: TokenBucket, Limit: 100, Window: time.Minute, Tokens: 1, FailOpen: true},
	"mutation": {Name: "mutation", Kind: TokenBucket, Limit: 100, Window: time.Minute, Tokens: 5, FailOpen: true, DelayMode: true},
	"auth":     {Name: "auth", Kind: FixedWindow, Limit: 5, Window: 15 * time.Minute, FailOpen: false, RecoveryAction: "email-verify"},
	"mfa":      {Name: "mfa", Kind: FixedWindow, Limit: 5, Window: 15 * time.Minute, FailOpen: false, RecoveryAction: "email-verify"},
	"health":   {Name: "health", Kind: TokenBucket, Limit: 300, Window: time.Minute, Tokens: 1, FailOpen: true},
	"realtime": {Name: "realtime", Kind: TokenBucket, Limit: 300, Window: time.Minute, Tokens: 1, FailOpen: true},
}

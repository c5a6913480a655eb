// Package config loads application configuration from environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CacheBackend selects the distributed cache / rate-limit store.
type CacheBackend string

const (
	BackendMemory CacheBackend = "memory"
	BackendRedis  CacheBackend = "redis"
)

// OAuthProvider holds credentials for one upstream identity provider.
type OAuthProvider struct {
	ClientID     string
	ClientSecret string
	// Apple only
	TeamID     string
	KeyID      string
	PrivateKey string
	// Microsoft only
	TenantID string
}

// Config holds all application configuration.
type Config struct {
	Env     string
	Port    int
	AppName string

	// APIBaseURL is the externally visible base URL. Cookies are marked
	// Secure iff this uses https.
	APIBaseURL string

	DatabaseURL string

	// MasterKey is the 32-byte key decoded from ENCRYPTION_KEY (base64).
	MasterKey []byte

	CacheBackend  CacheBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OAuth map[string]OAuthProvider

	// SessionTTL bounds access tokens; RefreshTTL bounds refresh tokens
	// and the refresh_token cookie.
	SessionTTL time.Duration
	RefreshTTL time.Duration

	// MFAStatusCacheTTL bounds how stale the per-user MFA posture cache
	// may be. A session may pass MFA-gated checks for up to this long
	// after the user enables MFA mid-session.
	MFAStatusCacheTTL time.Duration

	SentryDSN string
}

// Load reads configuration from environment variables.
// ENCRYPTION_KEY is required: a base64-encoded 32-byte master key.
func Load() (Config, error) {
	keyB64 := os.Getenv("ENCRYPTION_KEY")
	if keyB64 == "" {
		return Config{}, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	master, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return Config{}, fmt.Errorf("ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(master) != 32 {
		return Config{}, fmt.Errorf("ENCRYPTION_KEY must decode to 32 bytes, got %d", len(master))
	}

	cfg := Config{
		Env:               getEnv("APP_ENV", "development"),
		Port:              getEnvAsInt("PORT", 8080),
		AppName:           getEnv("APP_NAME", "ParametricPortal"),
		APIBaseURL:        getEnv("API_BASE_URL", "http://localhost:8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		MasterKey:         master,
		CacheBackend:      CacheBackend(getEnv("CACHE_BACKEND", string(BackendMemory))),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvAsInt("REDIS_DB", 0),
		OAuth:             loadOAuthProviders(),
		SessionTTL:        getEnvAsDuration("SESSION_TTL", 15*time.Minute),
		RefreshTTL:        getEnvAsDuration("REFRESH_TTL", 30*24*time.Hour),
		MFAStatusCacheTTL: getEnvAsDuration("MFA_STATUS_CACHE_TTL", 5*time.Minute),
		SentryDSN:         os.Getenv("SENTRY_DSN"),
	}

	switch cfg.CacheBackend {
	case BackendMemory, BackendRedis:
	default:
		return Config{}, fmt.Errorf("CACHE_BACKEND must be memory or redis, got %q", cfg.CacheBackend)
	}

	return cfg, nil
}

// IsSecure reports whether the configured base URL uses HTTPS.
func (c Config) IsSecure() bool {
	return strings.HasPrefix(c.APIBaseURL, "https://")
}

func loadOAuthProviders() map[string]OAuthProvider {
	providers := map[string]OAuthProvider{}
	for _, name := range []string{"google", "github", "microsoft", "apple"} {
		upper := strings.ToUpper(name)
		p := OAuthProvider{
			ClientID:     os.Getenv("OAUTH_" + upper + "_CLIENT_ID"),
			ClientSecret: os.Getenv("OAUTH_" + upper + "_CLIENT_SECRET"),
		}
		if name == "apple" {
			p.TeamID = os.Getenv("OAUTH_APPLE_TEAM_ID")
			p.KeyID = os.Getenv("OAUTH_APPLE_KEY_ID")
			p.PrivateKey = os.Getenv("OAUTH_APPLE_PRIVATE_KEY")
		}
		if name == "microsoft" {
			p.TenantID = getEnv("OAUTH_MICROSOFT_TENANT_ID", "common")
		}
		if p.ClientID != "" {
			providers[name] = p
		}
	}
	return providers
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

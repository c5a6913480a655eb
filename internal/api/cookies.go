package api

import (
	"net/http"
	"time"

	"github.com/parametricportal/backend/internal/config"
)

const (
	oauthStateCookie   = "oauth_state"
	refreshTokenCookie = "refresh_token"

	oauthStatePath   = "/api/auth/oauth"
	refreshTokenPath = "/api/auth"

	oauthStateTTL = 10 * time.Minute
)

// cookies is the minimal typed facet over the two auth cookies. Secure is
// set when the configured base URL uses HTTPS.
type cookies struct {
	secure     bool
	refreshTTL time.Duration
}

func newCookies(cfg config.Config) cookies {
	return cookies{secure: cfg.IsSecure(), refreshTTL: cfg.RefreshTTL}
}

func (c cookies) set(w http.ResponseWriter, name, value, path string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c cookies) clear(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c cookies) setOAuthState(w http.ResponseWriter, value string) {
	c.set(w, oauthStateCookie, value, oauthStatePath, oauthStateTTL)
}

func (c cookies) clearOAuthState(w http.ResponseWriter) {
	c.clear(w, oauthStateCookie, oauthStatePath)
}

func (c cookies) setRefreshToken(w http.ResponseWriter, value string) {
	c.set(w, refreshTokenCookie, value, refreshTokenPath, c.refreshTTL)
}

func (c cookies) clearRefreshToken(w http.ResponseWriter) {
	c.clear(w, refreshTokenCookie, refreshTokenPath)
}

func (c cookies) get(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

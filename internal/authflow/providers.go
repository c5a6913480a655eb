package authflow

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/parametricportal/backend/internal/apperr"
	"github.com/parametricportal/backend/internal/config"
	"github.com/parametricportal/backend/internal/resilience"
)

const (
	outboundTimeout = 10 * time.Second
	maxAttempts     = 3
)

// capability describes what one provider supports.
type capability struct {
	OIDC   bool
	PKCE   bool
	Scopes []string
}

var capabilities = map[string]capability{
	"apple":     {OIDC: true, PKCE: true, Scopes: []string{"openid", "profile", "email"}},
	"google":    {OIDC: true, PKCE: true, Scopes: []string{"openid", "profile", "email"}},
	"microsoft": {OIDC: true, PKCE: true, Scopes: []string{"openid", "profile", "email"}},
	"github":    {OIDC: false, PKCE: false, Scopes: []string{"user:email"}},
}

func endpointFor(provider string, p config.OAuthProvider) oauth2.Endpoint {
	switch provider {
	case "google":
		return oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		}
	case "github":
		return oauth2.Endpoint{
			AuthURL:  "https://github.com/login/oauth/authorize",
			TokenURL: "https://github.com/login/oauth/access_token",
		}
	case "microsoft":
		base := "https://login.microsoftonline.com/" + p.TenantID
		return oauth2.Endpoint{
			AuthURL:  base + "/oauth2/v2.0/authorize",
			TokenURL: base + "/oauth2/v2.0/token",
		}
	case "apple":
		return oauth2.Endpoint{
			AuthURL:  "https://appleid.apple.com/auth/authorize",
			TokenURL: "https://appleid.apple.com/auth/token",
		}
	}
	return oauth2.Endpoint{}
}

// Identity is what a provider tells us about the authenticated account.
type Identity struct {
	ExternalID string
	Email      string
}

// Clients talks to the upstream identity providers. Outbound calls run behind
// per-provider circuit breakers with bounded retries.
type Clients struct {
	cfg     config.Config
	breaker *resilience.Registry
	http    *http.Client
}

func NewClients(cfg config.Config, breaker *resilience.Registry) *Clients {
	return &Clients{
		cfg:     cfg,
		breaker: breaker,
		http:    &http.Client{Timeout: outboundTimeout},
	}
}

// Enabled reports whether the provider is known and configured.
func (c *Clients) Enabled(provider string) bool {
	_, known := capabilities[provider]
	_, configured := c.cfg.OAuth[provider]
	return known && configured
}

// SupportsPKCE reports whether the provider takes a code verifier.
func (c *Clients) SupportsPKCE(provider string) bool {
	return capabilities[provider].PKCE
}

func (c *Clients) oauthConfig(provider string) (*oauth2.Config, error) {
	capa, ok := capabilities[provider]
	if !ok {
		return nil, apperr.OAuth(provider, "unknown_provider")
	}
	p, ok := c.cfg.OAuth[provider]
	if !ok {
		return nil, apperr.OAuth(provider, "not_configured")
	}

	secret := p.ClientSecret
	if provider == "apple" {
		var err error
		secret, err = appleClientSecret(p)
		if err != nil {
			return nil, apperr.OAuth(provider, "client_secret_generation")
		}
	}

	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: secret,
		Endpoint:     endpointFor(provider, p),
		RedirectURL:  c.cfg.APIBaseURL + "/api/auth/oauth/" + provider + "/callback",
		Scopes:       capa.Scopes,
	}, nil
}

// AuthCodeURL builds the provider authorize URL. A non-empty verifier adds
// the S256 challenge.
func (c *Clients) AuthCodeURL(provider, state, verifier string) (string, error) {
	conf, err := c.oauthConfig(provider)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return conf.AuthCodeURL(state, opts...), nil
}

// Exchange trades the authorization code for provider tokens, retrying
// transient failures up to three attempts.
func (c *Clients) Exchange(ctx context.Context, provider, code, verifier string) (*oauth2.Token, error) {
	conf, err := c.oauthConfig(provider)
	if err != nil {
		return nil, err
	}
	opts := []oauth2.AuthCodeOption{}
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	var token *oauth2.Token
	err = c.breaker.Execute(ctx, "oauth:"+provider, resilience.Config{}, func(ctx context.Context) error {
		return backoff.Retry(func() error {
			callCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
			defer cancel()
			callCtx = context.WithValue(callCtx, oauth2.HTTPClient, c.http)

			var err error
			token, err = conf.Exchange(callCtx, code, opts...)
			return err
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx))
	})
	if err != nil {
		if ae := apperr.As(err); ae != nil {
			return nil, ae
		}
		return nil, apperr.OAuth(provider, "oauth_exchange_failed")
	}
	return token, nil
}

// UserIdentity extracts the external account id and email from the provider
// response. OIDC providers carry both in the ID token; GitHub needs a user
// API call.
func (c *Clients) UserIdentity(ctx context.Context, provider string, token *oauth2.Token) (Identity, error) {
	if capabilities[provider].OIDC {
		return identityFromIDToken(provider, token)
	}
	return c.githubIdentity(ctx, token)
}

// identityFromIDToken reads sub and email from the OIDC ID token. The token
// arrived over TLS directly from the provider's token endpoint, so the
// signature is not re-verified here.
func identityFromIDToken(provider string, token *oauth2.Token) (Identity, error) {
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return Identity{}, apperr.OAuth(provider, "oauth_user_fetch")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Identity{}, apperr.OAuth(provider, "oauth_user_fetch")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, apperr.OAuth(provider, "oauth_user_fetch")
	}
	email, _ := claims["email"].(string)
	return Identity{ExternalID: sub, Email: email}, nil
}

func (c *Clients) githubIdentity(ctx context.Context, token *oauth2.Token) (Identity, error) {
	var identity Identity
	err := c.breaker.Execute(ctx, "oauth:github", resilience.Config{}, func(ctx context.Context) error {
		return backoff.Retry(func() error {
			callCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(callCtx, http.MethodGet, "https://api.github.com/user", nil)
			if err != nil {
				return backoff.Permanent(err)
			}
			req.Header.Set("Authorization", "Bearer "+token.AccessToken)
			req.Header.Set("Accept", "application/vnd.github+json")
			req.Header.Set("User-Agent", "ParametricPortal/1.0")

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				err := fmt.Errorf("github user endpoint returned %d", resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return backoff.Permanent(err)
				}
				return err
			}

			var body struct {
				ID    int64  `json:"id"`
				Email string `json:"email"`
			}
			if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
				return backoff.Permanent(err)
			}
			identity = Identity{ExternalID: strconv.FormatInt(body.ID, 10), Email: body.Email}
			return nil
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx))
	})
	if err != nil {
		if ae := apperr.As(err); ae != nil {
			return Identity{}, ae
		}
		return Identity{}, apperr.OAuth("github", "oauth_user_fetch")
	}
	return identity, nil
}

// appleClientSecret mints the short-lived ES256 JWT Apple requires in place
// of a static client secret.
func appleClientSecret(p config.OAuthProvider) (string, error) {
	block, _ := pem.Decode([]byte(p.PrivateKey))
	if block == nil {
		return "", fmt.Errorf("apple private key is not PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("apple private key parse: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": p.TeamID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"aud": "https://appleid.apple.com",
		"sub": p.ClientID,
	})
	token.Header["kid"] = p.KeyID
	return token.SignedString(key)
}

package api

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/parametricportal/backend/internal/ratelimit"
	"github.com/parametricportal/backend/internal/reqctx"
	"github.com/parametricportal/backend/internal/session"
)

// tenantHeader carries the tenant binding from the edge proxy.
const tenantHeader = "X-Tenant-ID"

// requestContext populates the per-request context record: tenant, request
// id, client address and user agent. Every downstream component reads from
// this record rather than the raw request.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := reqctx.New(r.Header.Get(tenantHeader))
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			rc.RequestID = reqID
		}
		rc.IPAddress = realIP(r)
		rc.UserAgent = r.UserAgent()

		next.ServeHTTP(w, r.WithContext(reqctx.Inject(r.Context(), rc)))
	})
}

// realIP extracts the client address, preferring forwarded headers the way
// the ingress proxy sets them.
func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, p := range strings.Split(xff, ",") {
			if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
				return ip.String()
			}
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		if ip := net.ParseIP(strings.TrimSpace(xr)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// requestLogger logs every completed request with its status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if ww.Status() >= 500 {
			level = slog.LevelError
		} else if ww.Status() >= 400 {
			level = slog.LevelWarn
		}

		slog.Log(r.Context(), level, "http_request_completed",
			"status", ww.Status(),
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"req_id", reqctx.RequestID(r.Context()),
			"tenant", reqctx.TenantID(r.Context()),
		)
	})
}

// panicRecovery captures panics, reports them to Sentry when active, and
// ensures a generic 500 response.
func panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("PANIC RECOVERED",
					"error", err,
					"path", r.URL.Path,
					"method", r.Method,
					"stack", string(debug.Stack()),
				)
				if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
					hub.Recover(err)
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// bearerToken pulls the access token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// sessionAuth resolves the bearer token into a session and binds it to the
// request context. An unresolvable token passes through unauthenticated;
// requireAuth decides whether that matters.
func sessionAuth(sessions *session.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			sess, err := sessions.Lookup(r.Context(), token)
			if err != nil {
				respondError(w, r, err)
				return
			}
			if sess == nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(reqctx.WithSession(r.Context(), sess)))
		})
	}
}

// requireAuth rejects requests without a bound session.
func requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := reqctx.SessionFrom(r.Context()); err != nil {
			respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limit consumes the named rate-limit preset before the handler runs and
// emits the X-RateLimit headers from the context afterwards.
func limit(limiter *ratelimit.Limiter, preset string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := limiter.Consume(r.Context(), preset)
			writeRateLimitHeaders(w, r)
			if err != nil {
				respondError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, r *http.Request) {
	rl := reqctx.RateLimitFrom(r.Context())
	if rl == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(math.Ceil(rl.ResetAfter.Seconds()))))
}

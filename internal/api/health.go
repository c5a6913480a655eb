package api

import (
	"context"
	"log/slog"
	"net/http"
)

// Pinger is anything whose connectivity the health endpoint verifies.
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler validates both API liveness and backing-store connectivity.
// Failures are logged with detail server-side and reported generically.
func healthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for name, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(r.Context()); err != nil {
				slog.Error("health_check_failed", "dependency", name, "error", err)
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"error":  "service temporarily unavailable",
				})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

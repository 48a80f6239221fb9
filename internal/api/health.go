package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wrenchai/wrench/internal/generate"
)

// health is a liveness probe. Returns 200 OK with {"status":"ok"}.
func health(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, logger)
	}
}

// readiness reports whether the service can take diagnostic traffic: the
// database answers a ping and the generation circuit is not open. Pool and
// generator are optional; absent collaborators are skipped.
func readiness(pool *pgxpool.Pool, gen *generate.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ready"}
		code := http.StatusOK

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := pool.Ping(ctx)
			cancel()
			if err != nil {
				status["status"] = "not ready"
				status["database"] = "unreachable"
				code = http.StatusServiceUnavailable
			} else {
				status["database"] = "ok"
			}
		}

		if gen != nil {
			state := gen.BreakerState()
			status["generation"] = state.String()
			if state == generate.CircuitOpen {
				status["status"] = "not ready"
				code = http.StatusServiceUnavailable
			}
		}

		writeJSON(w, code, status, logger)
	}
}

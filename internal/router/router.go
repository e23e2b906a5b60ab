package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/pixelcraft/backend/internal/auth"
	"github.com/pixelcraft/backend/internal/jobs"
	"github.com/pixelcraft/backend/internal/middleware"
)

// HealthCheck reports whether a backing store is reachable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	CORSOrigins []string
	// MaxBodyBytes caps JSON request bodies; zero uses middleware.DefaultMaxBody.
	MaxBodyBytes int64
	// Checks run on GET /healthz, keyed by component name.
	Checks map[string]HealthCheck
}

// New returns the public API handler.
func New(h *jobs.Handler, authSvc auth.Service, opts Options) http.Handler {
	user := middleware.RequireUser(authSvc)
	admin := middleware.RequireAdmin(authSvc)
	payments := middleware.RequireServiceToken(authSvc)
	body := middleware.JSONBody(opts.MaxBodyBytes)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health(opts.Checks))
	mux.HandleFunc("GET /v1/operations", h.Operations)

	mux.Handle("POST /v1/jobs", user(body(http.HandlerFunc(h.Submit))))
	mux.Handle("GET /v1/jobs/{id}", user(http.HandlerFunc(h.Get)))
	mux.Handle("POST /v1/jobs/{id}/cancel", user(http.HandlerFunc(h.Cancel)))
	mux.Handle("DELETE /v1/jobs/{id}", user(http.HandlerFunc(h.Cancel)))
	mux.Handle("GET /v1/credits/balance", user(http.HandlerFunc(h.Balance)))

	mux.Handle("POST /v1/credits/grants", payments(body(http.HandlerFunc(h.Grant))))

	mux.Handle("GET /v1/admin/capacity", admin(http.HandlerFunc(h.Capacity)))
	mux.Handle("POST /v1/admin/credits/reserve", admin(body(http.HandlerFunc(h.AdminReserve))))
	mux.Handle("POST /v1/admin/credits/{txId}/confirm", admin(http.HandlerFunc(h.AdminConfirm)))
	mux.Handle("POST /v1/admin/credits/{txId}/refund", admin(http.HandlerFunc(h.AdminRefund)))

	return cors.New(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)
}

func health(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body[name] = err.Error()
				continue
			}
			body[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

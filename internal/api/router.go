package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/northstar-ai/northstar/internal/api/handlers"
	"github.com/northstar-ai/northstar/internal/api/middleware"
	"github.com/northstar-ai/northstar/internal/config"
	"github.com/northstar-ai/northstar/internal/kvstore"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, kv kvstore.KV) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(kv))
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", h.Chat)

		r.Route("/crisis", func(r chi.Router) {
			r.Post("/resolve", h.ResolveCrisis)
			r.Get("/active/{userId}", h.GetActiveCrisis)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Route("/breaker", func(r chi.Router) {
				r.Get("/", h.BreakerSnapshot)
				r.Post("/{service}/reset", h.ResetBreaker)
			})
			r.Get("/runs/{requestId}", h.GetRun)
		})
	})

	return r
}

func healthHandler(kv kvstore.KV) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := kv.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "northstar-server",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "northstar-server",
		})
	}
}

package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipemaragno/settle/internal/observability"
)

type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}

	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	if cfg.HealthHandler != nil {
		r.Get("/health", cfg.HealthHandler.Health)
		r.Get("/ready", cfg.HealthHandler.Ready)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/events", cfg.Handler.ReceiveEvent)
		r.Get("/events/{id}", cfg.Handler.GetEvent)
		r.Post("/events/{id}/replay", cfg.Handler.ReplayEvent)
		r.Get("/dead-letters", cfg.Handler.ListDeadLetters)
	})

	return r
}

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes builds the chi router with every application route.
func (a *App) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(recordMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(a.log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.origins.corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", a.HealthHandler)
	r.Get("/test", a.TestPageHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/ws/chat/{chatID}", a.serveChatSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(a.gate.RequireUser)
		a.api.routes(r)
	})

	return r
}

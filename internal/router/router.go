package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samims/concierge/internal/handler"
	customMiddleware "github.com/samims/concierge/internal/middleware"
)

type Handlers struct {
	Requests   *handler.RequestHandler
	Heartbeats *handler.HeartbeatHandler
	OTP        *handler.OTPHandler
	Health     *handler.HealthHandler
}

func NewRouter(h Handlers, jwtSecret, webhookSecret string) http.Handler {
	r := chi.NewRouter()

	r.Use(customMiddleware.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.AuthMiddleware(jwtSecret))
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.Requests.Create)
			r.Get("/{id}", h.Requests.Get)
			r.Get("/{id}/activity", h.Requests.Activity)
			r.Post("/{id}/acknowledge", h.Requests.Acknowledge)
			r.Post("/{id}/resolve", h.Requests.Resolve)
		})
	})

	r.Route("/otp", func(r chi.Router) {
		r.Post("/send", h.OTP.Send)
		r.Post("/verify", h.OTP.Verify)
	})
	r.With(customMiddleware.WebhookSecretMiddleware(webhookSecret)).
		Post("/webhooks/delivery-reports", h.OTP.DeliveryReport)

	r.Get("/heartbeats", h.Heartbeats.List)
	r.Get("/heartbeats/{name}", h.Heartbeats.Get)

	r.Get("/healthz", h.Health.Liveness)
	r.Get("/readyz", h.Health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

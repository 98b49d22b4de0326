package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/mobile-money/internal/auth"
	"github.com/frahmantamala/mobile-money/internal/payment"
	"github.com/frahmantamala/mobile-money/internal/refund"
	"github.com/frahmantamala/mobile-money/internal/transport/middleware"
	"github.com/frahmantamala/mobile-money/internal/transport/swagger"
)

// Routes carries everything RegisterAllRoutes mounts. Nil handlers are skipped.
type Routes struct {
	Health         *HealthHandler
	Auth           *auth.Handler
	RBAC           *auth.RBACAuthorization
	Payment        *payment.Handler
	Refund         *refund.Handler
	Webhook        *payment.WebhookHandler
	Metrics        http.Handler
	MetricsPath    string
	OpenAPI        *swagger.Spec
	AllowedOrigins string
	TrustProxy     bool
}

func RegisterAllRoutes(router *chi.Mux, routes Routes, logger *slog.Logger) {
	router.Use(middleware.CORS(routes.AllowedOrigins))
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	if routes.TrustProxy {
		router.Use(chiMiddleware.RealIP)
	}
	router.Use(middleware.Network)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	if routes.Metrics != nil {
		path := routes.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, routes.Metrics)
	}

	if routes.OpenAPI != nil {
		router.Get("/openapi.yml", routes.OpenAPI.ServeHTTP)
		router.Handle("/swagger/*", swagger.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		if routes.Health != nil {
			r.Get("/health", routes.Health.healthCheckHandler)
			r.Get("/ping", routes.Health.pingHandler)
		}

		// The provider cannot authenticate; callbacks are trusted by correlation id only.
		if routes.Webhook != nil {
			r.Post("/payments/gateway/callback", routes.Webhook.HandleProviderCallback)
		}

		if routes.Auth == nil {
			return
		}

		r.Route("/auth", func(sr chi.Router) {
			sr.Post("/login", routes.Auth.Login)
			sr.Post("/refresh", routes.Auth.RefreshToken)
			sr.Post("/logout", routes.Auth.Logout)
		})

		r.Group(func(pr chi.Router) {
			pr.Use(routes.Auth.AuthMiddleware)

			if routes.Payment != nil {
				pr.Route("/payments", func(pmr chi.Router) {
					pmr.With(routes.RBAC.RequireInitiatePayment()).Post("/", routes.Payment.InitiatePayment)
					pmr.With(routes.RBAC.RequireViewPayments()).Get("/", routes.Payment.ListPayments)
					pmr.With(routes.RBAC.RequireViewPayments()).Get("/{id}/status", routes.Payment.GetPaymentStatus)
					pmr.With(routes.RBAC.RequireViewAnalytics()).Get("/analytics", routes.Payment.GetAnalytics)

					if routes.Refund != nil {
						pmr.With(routes.RBAC.RequireRefundPayment()).Post("/{id}/refund", routes.Refund.RefundPayment)
					}
				})
			}
		})
	})
}

package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/relay-access/internal/api/http/handlers"
	"github.com/spec-kit/relay-access/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health   *handlers.HealthHandler
	Sessions *handlers.SessionHandler
	Payments *handlers.PaymentHandler
	Status   *handlers.StatusHandler
	Session  *auth.SessionMiddleware
	Admin    *auth.APIKeyVerifier
	Metrics  prometheus.Gatherer
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{})))
	}
	app.Get("/status", cfg.Status.Get)

	visitor := app.Group("", cfg.Session.Handle)

	authGroup := visitor.Group("/auth")
	authGroup.Post("/challenge", cfg.Sessions.Challenge)
	authGroup.Post("/challenge/:id/response", cfg.Sessions.AnswerChallenge)
	authGroup.Post("/login/signer", cfg.Sessions.LoginSigner)
	authGroup.Post("/login/manual", cfg.Sessions.LoginManual)
	authGroup.Post("/logout", cfg.Sessions.Logout)

	visitor.Get("/session", cfg.Sessions.Session)
	visitor.Get("/dashboard", cfg.Sessions.Dashboard)
	visitor.Get("/thank-you", cfg.Sessions.ThankYou)

	visitor.Post("/payment", cfg.Payments.Enter)
	visitor.Get("/payment", cfg.Payments.Current)
	visitor.Delete("/payment", cfg.Payments.Leave)
	visitor.Post("/payment/simulate", cfg.Payments.Simulate)

	admin := app.Group("/admin", auth.RequireAdmin(cfg.Admin))
	admin.Post("/whitelist", cfg.Sessions.Whitelist)
}

package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/backoffice-engine/internal/api/http/handlers"
	"github.com/spec-kit/backoffice-engine/internal/auth"
	"github.com/spec-kit/backoffice-engine/internal/domain"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Ops            *handlers.OpsHandler
	AuthMiddleware *auth.AuthMiddleware
	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	ops := app.Group("/ops", cfg.AuthMiddleware.Handle, auth.RequireStaffRole(domain.StaffRoleAdmin))
	ops.Post("/executions", cfg.Ops.StartExecution)
	ops.Post("/segments", cfg.Ops.CreateSegment)
	ops.Post("/triggers/welcome", cfg.Ops.RecipientCreated)
	ops.Post("/jobs/workflow", cfg.Ops.RunWorkflow)
	ops.Post("/jobs/sla", cfg.Ops.RunSLA)
	ops.Post("/tickets/:id/sla", cfg.Ops.AttachPolicy)
	ops.Post("/tickets/:id/first-response", cfg.Ops.FirstResponse)
	ops.Post("/tickets/:id/resolution", cfg.Ops.Resolution)
}

package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/redmine-bridge/internal/api/http/handlers"
	"github.com/spec-kit/redmine-bridge/internal/auth"
	"github.com/spec-kit/redmine-bridge/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Tickets        *handlers.TicketsHandler
	Clientes       *handlers.ClientesHandler
	AuthMiddleware *auth.AuthMiddleware
	Metrics        *observability.Metrics
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	api := app.Group("/api/redmine")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.Handle)
	}
	writeTickets := writeGuard(cfg.AuthMiddleware, auth.ScopeTicketsWrite)
	writeClientes := writeGuard(cfg.AuthMiddleware, auth.ScopeClientesWrite)

	api.Post("/clientes/buscar", cfg.Clientes.Search)
	api.Post("/clientes", writeClientes, cfg.Clientes.Upsert)

	api.Get("/tickets", cfg.Tickets.ListTickets)
	api.Get("/tickets/:id", cfg.Tickets.GetTicket)
	api.Post("/tickets", writeTickets, cfg.Tickets.CreateTicket)
	api.Post("/tickets/:id/mensajes", writeTickets, cfg.Tickets.AddMessage)
	api.Post("/tickets/:id/adjuntos", writeTickets, cfg.Tickets.AddAttachment)
}

// writeGuard enforces scope only when authentication is mandatory.
func writeGuard(mw *auth.AuthMiddleware, scope string) fiber.Handler {
	if mw == nil || !mw.Required() {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return auth.RequireScope(scope)
}

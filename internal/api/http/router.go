package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-chat/internal/api/http/handlers"
	"github.com/spec-kit/support-chat/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Chat           *handlers.ChatHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	if cfg.Health != nil {
		app.Get("/health/live", cfg.Health.Live)
		app.Get("/health/ready", cfg.Health.Ready)
		app.Get("/metrics", cfg.Health.Metrics)
	}

	chat := app.Group("/api/v1/chat", cfg.AuthMiddleware.Handle, auth.RequireAnyRole())
	chat.Get("/conversation", auth.RequireCustomer(), cfg.Chat.GetOrCreateConversation)
	chat.Get("/conversations", cfg.Chat.ListConversations)
	chat.Get("/conversations/:id", cfg.Chat.GetConversation)
	chat.Get("/conversations/:id/messages", cfg.Chat.ListMessages)
	chat.Post("/conversations/:id/messages", cfg.Chat.SendMessage)
	chat.Patch("/conversations/:id/read", cfg.Chat.MarkAsRead)

	staffOnly := auth.RequireStaff()
	chat.Patch("/conversations/:id/assign", staffOnly, cfg.Chat.AssignConversation)
	chat.Patch("/conversations/:id/status", staffOnly, cfg.Chat.UpdateStatus)
	chat.Get("/staff", staffOnly, cfg.Chat.ListStaff)
}

package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/handlers"
	"github.com/shellgate/shellgate/internal/middleware"
)

func Setup(
	app *fiber.App,
	cfg *config.Config,
	authHandler *handlers.AuthHandler,
	connectionHandler *handlers.ConnectionHandler,
	sessionHandler *handlers.SessionHandler,
	commandHandler *handlers.CommandHandler,
	terminalHandler *handlers.TerminalHandler,
	systemHandler *handlers.SystemHandler,
) {
	// ─── Public ──────────────────────────────────────────────────────────
	app.Get("/api/health", systemHandler.Health)

	// ─── Auth ────────────────────────────────────────────────────────────
	app.Post("/api/auth/register", authHandler.Register)
	app.Post("/api/auth/login", authHandler.Login)
	app.Post("/api/auth/refresh", authHandler.Refresh)

	// ─── Protected routes ────────────────────────────────────────────────
	api := app.Group("/api", middleware.JWTProtected(cfg.JWTSecret))

	// Auth (protected)
	api.Get("/auth/me", authHandler.Me)

	// Connection profiles
	api.Get("/connections", connectionHandler.ListConnections)
	api.Post("/connections", connectionHandler.CreateConnection)
	api.Get("/connections/:id", connectionHandler.GetConnection)
	api.Put("/connections/:id", connectionHandler.UpdateConnection)
	api.Delete("/connections/:id", connectionHandler.DeleteConnection)
	api.Post("/connections/:id/exec", commandHandler.ExecCommand)

	// Sessions
	api.Get("/sessions", sessionHandler.ListSessions)
	api.Delete("/sessions/:id", sessionHandler.DisconnectSession)

	// Command history
	api.Get("/commands", commandHandler.GetHistory)

	// Terminal (WebSocket)
	app.Use("/ws/terminal", middleware.JWTProtected(cfg.JWTSecret), terminalHandler.UpgradeCheck())
	app.Get("/ws/terminal", terminalHandler.HandleTerminal())
}

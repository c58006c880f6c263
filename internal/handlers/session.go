package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/shellgate/shellgate/internal/services"
)

type SessionHandler struct {
	manager *services.Manager
}

func NewSessionHandler(manager *services.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// ListSessions returns the caller's live sessions from the in-memory
// registry, the same data the websocket active-sessions reply carries.
func (h *SessionHandler) ListSessions(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	return c.JSON(fiber.Map{"sessions": h.manager.ListSessions(userID)})
}

// DisconnectSession terminates one of the caller's sessions over REST.
func (h *SessionHandler) DisconnectSession(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	sessionID := c.Params("id")

	if err := h.manager.DisconnectSession(sessionID, userID); err != nil {
		return sessionErrorResponse(c, err)
	}
	return c.JSON(fiber.Map{"message": "Session disconnected"})
}

func sessionErrorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, services.ErrForbidden):
		status = fiber.StatusForbidden
	case errors.Is(err, services.ErrNotActive):
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

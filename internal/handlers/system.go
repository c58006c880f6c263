package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

const Version = "1.0.0"

type SystemHandler struct {
	startedAt time.Time
}

func NewSystemHandler() *SystemHandler {
	return &SystemHandler{startedAt: time.Now()}
}

func (h *SystemHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"version": Version,
		"uptime":  time.Since(h.startedAt).String(),
	})
}

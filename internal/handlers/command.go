package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/crypto"
	"github.com/shellgate/shellgate/internal/models"
	"github.com/shellgate/shellgate/internal/shell"
	"gorm.io/gorm"
)

type CommandHandler struct {
	cfg       *config.Config
	db        *gorm.DB
	encryptor *crypto.Encryptor
}

func NewCommandHandler(cfg *config.Config, db *gorm.DB, encryptor *crypto.Encryptor) *CommandHandler {
	return &CommandHandler{cfg: cfg, db: db, encryptor: encryptor}
}

// ExecCommand runs a one-shot command over a fresh connection, outside any
// interactive session.
func (h *CommandHandler) ExecCommand(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	connID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid connection ID",
		})
	}

	var req struct {
		Command string `json:"command"`
	}
	if err := c.BodyParser(&req); err != nil || req.Command == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Command is required",
		})
	}

	var conn models.Connection
	if err := h.db.First(&conn, "id = ? AND user_id = ?", connID, userID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   true,
			"message": "Connection not found",
		})
	}

	handle, err := shell.New(conn.Protocol, h.cfg.ConnectTimeout)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": err.Error(),
		})
	}
	defer handle.Close()

	target := shell.Target{
		Host:     conn.Host,
		Port:     conn.Port,
		Username: conn.Username,
	}
	if conn.EncryptedPassword != "" {
		if target.Password, err = h.encryptor.Decrypt(conn.EncryptedPassword); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   true,
				"message": "Failed to decrypt credentials",
			})
		}
	}
	if conn.EncryptedPrivateKey != "" {
		if target.PrivateKey, err = h.encryptor.Decrypt(conn.EncryptedPrivateKey); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   true,
				"message": "Failed to decrypt credentials",
			})
		}
	}

	if err := handle.Connect(c.Context(), target); err != nil {
		status := fiber.StatusBadGateway
		if errors.Is(err, shell.ErrAuth) {
			status = fiber.StatusUnauthorized
		}
		return c.Status(status).JSON(fiber.Map{
			"error":   true,
			"message": "Connection failed: " + err.Error(),
		})
	}

	start := time.Now()
	result, err := handle.Execute(req.Command)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Execution failed: " + err.Error(),
		})
	}
	duration := time.Since(start)

	output := result.Stdout
	if result.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += result.Stderr
	}

	uID, _ := uuid.Parse(userID)
	log := models.CommandLog{
		SessionID:  connID, // one-shot runs are keyed to the connection
		UserID:     uID,
		Command:    req.Command,
		Output:     output,
		ExitCode:   result.ExitCode,
		Timestamp:  start,
		DurationMs: int(duration.Milliseconds()),
	}
	h.db.Create(&log)

	return c.JSON(fiber.Map{
		"command":     req.Command,
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
		"exit_code":   result.ExitCode,
		"duration_ms": duration.Milliseconds(),
		"id":          log.ID,
	})
}

// GetHistory lists the caller's command log, newest first.
func (h *CommandHandler) GetHistory(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := h.db.Model(&models.CommandLog{}).Where("user_id = ?", userID)
	if sessionID := c.Query("session_id"); sessionID != "" {
		query = query.Where("session_id = ?", sessionID)
	}

	var total int64
	query.Count(&total)

	var logs []models.CommandLog
	query.Order("timestamp DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&logs)

	return c.JSON(fiber.Map{
		"commands": logs,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

package handlers

import (
	"encoding/json"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shellgate/shellgate/internal/crypto"
	"github.com/shellgate/shellgate/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ConnectionHandler struct {
	db        *gorm.DB
	encryptor *crypto.Encryptor
}

func NewConnectionHandler(db *gorm.DB, encryptor *crypto.Encryptor) *ConnectionHandler {
	return &ConnectionHandler{db: db, encryptor: encryptor}
}

type connectionRequest struct {
	Name        string   `json:"name"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	Protocol    string   `json:"protocol"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	PrivateKey  string   `json:"private_key"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

func (h *ConnectionHandler) ListConnections(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var connections []models.Connection
	h.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&connections)

	return c.JSON(fiber.Map{"connections": connections})
}

func (h *ConnectionHandler) CreateConnection(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req connectionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}

	if req.Name == "" || req.Host == "" || req.Username == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Name, host and username are required",
		})
	}

	if req.Protocol == "" {
		req.Protocol = "ssh"
	}
	defaultPort, ok := models.ProtocolPorts[req.Protocol]
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Unsupported protocol: " + req.Protocol,
		})
	}
	if req.Port <= 0 {
		req.Port = defaultPort
	}

	uID, err := uuid.Parse(userID)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid user",
		})
	}

	conn := models.Connection{
		UserID:      uID,
		Name:        req.Name,
		Host:        req.Host,
		Port:        req.Port,
		Protocol:    req.Protocol,
		Username:    req.Username,
		Description: req.Description,
	}

	if err := h.applySecrets(&conn, req.Password, req.PrivateKey); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to encrypt credentials",
		})
	}
	if req.Tags != nil {
		if tags, err := json.Marshal(req.Tags); err == nil {
			conn.Tags = datatypes.JSON(tags)
		}
	}

	if err := h.db.Create(&conn).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to create connection",
		})
	}

	slog.Info("Connection created", "connection", conn.ID, "host", conn.Host)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"connection": conn})
}

func (h *ConnectionHandler) GetConnection(c *fiber.Ctx) error {
	conn, ok := h.loadOwned(c)
	if !ok {
		return nil
	}
	return c.JSON(fiber.Map{"connection": conn})
}

func (h *ConnectionHandler) UpdateConnection(c *fiber.Ctx) error {
	conn, ok := h.loadOwned(c)
	if !ok {
		return nil
	}

	var req connectionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}

	if req.Name != "" {
		conn.Name = req.Name
	}
	if req.Host != "" {
		conn.Host = req.Host
	}
	if req.Port > 0 {
		conn.Port = req.Port
	}
	if req.Username != "" {
		conn.Username = req.Username
	}
	if req.Description != "" {
		conn.Description = req.Description
	}
	if err := h.applySecrets(conn, req.Password, req.PrivateKey); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to encrypt credentials",
		})
	}
	if req.Tags != nil {
		if tags, err := json.Marshal(req.Tags); err == nil {
			conn.Tags = datatypes.JSON(tags)
		}
	}

	if err := h.db.Save(conn).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to update connection",
		})
	}

	return c.JSON(fiber.Map{"connection": conn})
}

func (h *ConnectionHandler) DeleteConnection(c *fiber.Ctx) error {
	conn, ok := h.loadOwned(c)
	if !ok {
		return nil
	}

	if err := h.db.Delete(conn).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to delete connection",
		})
	}

	return c.JSON(fiber.Map{"message": "Connection deleted"})
}

func (h *ConnectionHandler) applySecrets(conn *models.Connection, password, privateKey string) error {
	if password != "" {
		enc, err := h.encryptor.Encrypt(password)
		if err != nil {
			return err
		}
		conn.EncryptedPassword = enc
	}
	if privateKey != "" {
		enc, err := h.encryptor.Encrypt(privateKey)
		if err != nil {
			return err
		}
		conn.EncryptedPrivateKey = enc
	}
	return nil
}

// loadOwned fetches the :id connection and enforces ownership. On failure
// the response has already been written and ok is false.
func (h *ConnectionHandler) loadOwned(c *fiber.Ctx) (*models.Connection, bool) {
	userID := c.Locals("user_id").(string)

	connID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid connection ID",
		})
		return nil, false
	}

	var conn models.Connection
	if err := h.db.First(&conn, "id = ? AND user_id = ?", connID, userID).Error; err != nil {
		c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   true,
			"message": "Connection not found",
		})
		return nil, false
	}
	return &conn, true
}

package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shellgate/shellgate/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Store is the persistence boundary of the session core: profile lookup,
// durable session records and the append-only command log.
type Store interface {
	GetConnection(connectionID, userID string) (*models.Connection, error)
	CreateSessionRecord(sessionID, userID, connectionID string, start time.Time) error
	CloseSessionRecord(sessionID, status string, end time.Time) error
	AppendCommandLog(sessionID, userID, command string, timestamp time.Time) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetConnection(connectionID, userID string) (*models.Connection, error) {
	connID, err := uuid.Parse(connectionID)
	if err != nil {
		return nil, ErrProfileNotFound
	}
	uID, err := uuid.Parse(userID)
	if err != nil {
		return nil, ErrProfileNotFound
	}

	var conn models.Connection
	if err := s.db.First(&conn, "id = ? AND user_id = ?", connID, uID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return &conn, nil
}

func (s *GormStore) CreateSessionRecord(sessionID, userID, connectionID string, start time.Time) error {
	sessID, err := uuid.Parse(sessionID)
	if err != nil {
		return err
	}
	uID, err := uuid.Parse(userID)
	if err != nil {
		return err
	}
	connID, err := uuid.Parse(connectionID)
	if err != nil {
		return err
	}

	rec := models.SessionRecord{
		ID:           sessID,
		UserID:       uID,
		ConnectionID: connID,
		Status:       string(StatusActive),
		StartTime:    start,
		Data:         datatypes.JSON(fmt.Sprintf(`{"created":%q}`, start.Format(time.RFC3339))),
	}
	return s.db.Create(&rec).Error
}

func (s *GormStore) CloseSessionRecord(sessionID, status string, end time.Time) error {
	return s.db.Model(&models.SessionRecord{}).
		Where("id = ?", sessionID).
		Updates(map[string]interface{}{
			"status":   status,
			"end_time": end,
		}).Error
}

func (s *GormStore) AppendCommandLog(sessionID, userID, command string, timestamp time.Time) error {
	sessID, err := uuid.Parse(sessionID)
	if err != nil {
		return err
	}
	uID, err := uuid.Parse(userID)
	if err != nil {
		return err
	}

	log := models.CommandLog{
		SessionID: sessID,
		UserID:    uID,
		Command:   command,
		Timestamp: timestamp,
	}
	return s.db.Create(&log).Error
}

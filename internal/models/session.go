package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SessionRecord is the durable trace of a terminal session. The live
// session state lives in the in-memory registry; this row exists for
// history and audit.
type SessionRecord struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	ConnectionID uuid.UUID      `gorm:"type:uuid;not null;index" json:"connection_id"`
	Status       string         `gorm:"not null;default:'active'" json:"status"`
	StartTime    time.Time      `gorm:"not null" json:"start_time"`
	EndTime      *time.Time     `json:"end_time"`
	Data         datatypes.JSON `gorm:"type:jsonb" json:"data"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

type CommandLog struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	SessionID  uuid.UUID `gorm:"type:uuid;not null;index" json:"session_id"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Command    string    `gorm:"not null" json:"command"`
	Output     string    `gorm:"type:text" json:"output"`
	ExitCode   int       `json:"exit_code"`
	Timestamp  time.Time `gorm:"not null" json:"timestamp"`
	DurationMs int       `json:"duration_ms"`
}

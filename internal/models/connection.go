package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Supported protocol tags and their default ports. Only SSH has a working
// adapter today; the rest are accepted at profile creation so stored
// inventory survives future adapters.
var ProtocolPorts = map[string]int{
	"ssh":    22,
	"telnet": 23,
	"rdp":    3389,
	"vnc":    5900,
	"sftp":   22,
}

// Connection is a saved server connection profile. Secrets are stored
// encrypted and never serialized in API responses.
type Connection struct {
	ID                  uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID              uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Name                string         `gorm:"not null" json:"name"`
	Host                string         `gorm:"not null" json:"host"`
	Port                int            `gorm:"default:22" json:"port"`
	Protocol            string         `gorm:"not null;default:'ssh'" json:"protocol"`
	Username            string         `gorm:"not null" json:"username"`
	EncryptedPassword   string         `gorm:"" json:"-"`
	EncryptedPrivateKey string         `gorm:"type:text" json:"-"`
	Description         string         `json:"description"`
	Tags                datatypes.JSON `gorm:"type:jsonb" json:"tags"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}

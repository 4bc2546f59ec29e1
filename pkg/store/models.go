package store

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GORM models used for persistence.
type ApplicationModel struct {
	ID           string `gorm:"primaryKey"`
	Name         string `gorm:"not null"`
	UserID       string `gorm:"not null;index"`
	TraceID      string `gorm:"index"`
	RepoURL      string
	AppName      string `gorm:"index"`
	AppURL       string
	DeployStatus string         `gorm:"not null;index"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

type PromptModel struct {
	ID            string `gorm:"primaryKey"`
	ApplicationID string `gorm:"not null;index"`
	Content       string `gorm:"type:text;not null"`
	Role          string `gorm:"not null"`
	Kind          string
	Metadata      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt     time.Time      `gorm:"not null;index"`
}

type ActiveSessionModel struct {
	ID            string `gorm:"primaryKey"`
	UserID        string `gorm:"not null;index"`
	TraceID       string
	ApplicationID string
	LastActiveAt  time.Time `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"not null"`
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// Notification records one dispatch attempt. Status moves pending -> sent or
// pending -> failed and is never rewritten after reaching a terminal state.
type Notification struct {
	gorm.Model

	NotificationConfigID uint   `gorm:"not null;index"`
	ServerID             uint   `gorm:"not null;index"`
	ProbeID              *uint  `gorm:"index"`
	UserID               *uint  `gorm:"index"` // acting user for manual sends, if any
	Level                string `gorm:"not null"`
	Title                string `gorm:"not null"`
	Message              string
	Status               string `gorm:"not null;default:pending"`
	StatusDetails        string
	SentAt               *time.Time

	// Relationships
	NotificationConfig NotificationConfig `gorm:"foreignKey:NotificationConfigID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
}

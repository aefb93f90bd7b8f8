package models

import (
	"time"

	"gorm.io/gorm"
)

// AlertHistory records a probe status transition. A row is opened when the
// probe enters warning or error and closed (Resolved) when it returns to ok.
type AlertHistory struct {
	gorm.Model

	ProbeID    uint   `gorm:"not null;index"`
	Status     string `gorm:"not null"`
	Message    string
	Resolved   bool `gorm:"not null;default:false"`
	ResolvedAt *time.Time

	// Relationships
	Probe Probe `gorm:"foreignKey:ProbeID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
}

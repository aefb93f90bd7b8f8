package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Probe is a check definition attached to exactly one server. Type
// discriminates the single JSON sub-config in Config; Status is written only
// by the status tracker.
type Probe struct {
	gorm.Model

	ServerID uint           `gorm:"not null;index"`
	Name     string         `gorm:"not null"`
	Type     string         `gorm:"not null"`              // "http" | "webhook"
	Status   string         `gorm:"not null;default:unknown"` // "ok", "warning", "error", "unknown"
	Interval int            `gorm:"not null;default:60"`   // seconds, http probes only
	Config   datatypes.JSON `gorm:"type:jsonb"`

	// WebhookToken addresses the out-of-band ingestion endpoint for webhook
	// probes. Assigned once at creation, immutable afterwards.
	WebhookToken *string `gorm:"uniqueIndex"`

	// Last-seen fields, updated on every evaluation regardless of transition.
	LastCheckedAt *time.Time
	LastMessage   string
	LastPayload   datatypes.JSON `gorm:"type:jsonb"`

	// Relationships
	Server       Server         `gorm:"foreignKey:ServerID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
	Groups       []Group        `gorm:"many2many:probe_groups"`
	AlertHistory []AlertHistory `gorm:"foreignKey:ProbeID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
}

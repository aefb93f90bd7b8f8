package models

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NotificationConfig is a delivery rule scoped to one group. Type
// discriminates the single JSON sub-config in Config; switching types
// replaces the payload in the same UPDATE, so a stale sub-config cannot
// outlive a switch.
type NotificationConfig struct {
	gorm.Model

	GroupID uint           `gorm:"not null;index"`
	Name    string         `gorm:"not null"`
	Type    string         `gorm:"not null"` // "email" | "webhook"
	Config  datatypes.JSON `gorm:"type:jsonb"`

	// Relationships
	Group         Group          `gorm:"foreignKey:GroupID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
	Notifications []Notification `gorm:"foreignKey:NotificationConfigID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
}

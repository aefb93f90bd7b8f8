package models

import "gorm.io/gorm"

type Group struct {
	gorm.Model

	Name        string `gorm:"not null"`
	Description string

	// Relationships
	Memberships         []Membership         `gorm:"foreignKey:GroupID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
	Servers             []Server             `gorm:"many2many:server_groups"`
	Probes              []Probe              `gorm:"many2many:probe_groups"`
	NotificationConfigs []NotificationConfig `gorm:"foreignKey:GroupID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
}

package models

import "gorm.io/gorm"

type Server struct {
	gorm.Model

	Name        string `gorm:"not null"`
	Type        string `gorm:"not null"` // "linux", "windows", "container", ...
	Address     string
	CreatedByID uint `gorm:"not null;index"`

	// Relationships
	CreatedBy User    `gorm:"foreignKey:CreatedByID"`
	Groups    []Group `gorm:"many2many:server_groups"`
	Probes    []Probe `gorm:"foreignKey:ServerID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
}

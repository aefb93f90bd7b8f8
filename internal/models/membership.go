package models

import "gorm.io/gorm"

// Membership joins a user to a group with a local role. Exactly one row per
// (user, group); the unique index is the authoritative guard.
type Membership struct {
	gorm.Model

	UserID  uint   `gorm:"not null;uniqueIndex:idx_user_group"`
	GroupID uint   `gorm:"not null;uniqueIndex:idx_user_group"`
	Role    string `gorm:"not null"` // "admin" | "member"

	// Relationships
	User  User  `gorm:"foreignKey:UserID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
	Group Group `gorm:"foreignKey:GroupID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
}

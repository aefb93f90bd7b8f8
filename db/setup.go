package db

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/internal/models"
)

// Connect opens the postgres connection. The handle is passed explicitly to
// every component; there is no package-level singleton.
func Connect(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func Migrate(conn *gorm.DB) error {
	tables := []interface{}{
		&models.User{},
		&models.Group{},
		&models.Membership{},
		&models.Server{},
		&models.Probe{},
		&models.NotificationConfig{},
		&models.Notification{},
		&models.AlertHistory{},
	}

	migrator := conn.Migrator()

	for _, table := range tables {
		if !migrator.HasTable(table) {
			if err := conn.AutoMigrate(table); err != nil {
				return err
			}
		}
	}

	return nil
}

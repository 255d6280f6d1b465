package database

import (
	"gorm.io/gorm"

	"github.com/charlesng35/unlockd/internal/models"
)

// AutoMigrate creates or updates the schema for all persisted models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.KVEntry{},
		&models.RateCounter{},
	)
}

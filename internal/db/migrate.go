package db

import (
	"fmt"

	"github.com/zulandar/chatferry/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Correlation{},
		&models.ArchivedMessage{},
		&models.ArchiveMeta{},
		&models.CloneRun{},
	}
}

// AutoMigrate creates or updates all chatferry tables.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

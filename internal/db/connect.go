// Package db opens GORM connections to the Replybot store.
package db

import (
	"fmt"

	"github.com/dkrasnov/replybot/internal/config"
	"github.com/dkrasnov/replybot/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN from database config.
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("root@tcp(%s:%d)/%s?parseTime=true", cfg.Host, cfg.Port, cfg.Database)
}

// Connect opens a GORM connection using the configured driver.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	switch cfg.Driver {
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.Path), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite %s: %w", cfg.Path, err)
		}
		return db, nil
	case "mysql":
		db, err := gorm.Open(mysql.Open(DSN(cfg)), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// Migrate creates or updates the schema for all Replybot tables.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Conversation{},
		&models.ConversationMessage{},
		&models.Document{},
		&models.DeliveryFailure{},
	)
	if err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}

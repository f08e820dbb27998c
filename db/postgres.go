// Package db is the relational persistence layer: connection setup,
// schema migration, and the transactional storage adapter used by the
// pipeline handlers and the HTTP surface.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"dealdesk.io/common"
	"dealdesk.io/models"
)

// Open connects to Postgres and configures the connection pool.
func Open(pgURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(pgURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	common.Logger.Info("connected to postgres")
	return db, nil
}

// Migrate creates or updates the pipeline tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Deal{},
		&models.Document{},
		&models.Chunk{},
		&models.Table{},
		&models.Formula{},
		&models.FinancialMetric{},
		&models.Finding{},
		&models.LLMUsage{},
		&models.FeatureUsage{},
	)
}

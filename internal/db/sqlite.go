package db

import (
	"github.com/glebarez/sqlite"
	"github.com/pysugar/drivehub/internal/db/models"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open initializes the SQLite database connection and runs migrations.
func Open(dbPath string) (*gorm.DB, error) {
	conn, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := conn.AutoMigrate(&models.LinkedAccount{}); err != nil {
		return nil, err
	}

	return conn, nil
}

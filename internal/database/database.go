package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/justchokingaround/mbplay/internal/config"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database instance
var DB *gorm.DB

// Init opens the database at cfg.Path, applies pragmas, runs the embedded SQL
// migrations and then gorm's AutoMigrate.
func Init(cfg *config.DatabaseConfig) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := open(cfg)
	if err != nil {
		return err
	}

	if err := RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// gorm caches table schemas; reopen so AutoMigrate sees columns added by SQL migrations
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	db, err = open(cfg)
	if err != nil {
		return err
	}

	if err := Migrate(db); err != nil {
		return fmt.Errorf("failed to run auto migrations: %w\n\n"+
			"Hint: a database from an incompatible version can be removed and will be recreated:\n"+
			"  rm -f %s", err, cfg.Path)
	}

	DB = db
	return nil
}

func open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	maxConns := cfg.MaxConnections
	if maxConns < 1 {
		maxConns = 1
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns((maxConns + 1) / 2)

	pragmas := []string{"PRAGMA foreign_keys=ON"}
	if cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	if cfg.AutoVacuum {
		pragmas = append(pragmas, "PRAGMA auto_vacuum=INCREMENTAL")
	}
	for _, p := range pragmas {
		if err := db.Exec(p).Error; err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// Close closes the global database connection
func Close() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// GetDB returns the global database instance
func GetDB() *gorm.DB {
	return DB
}

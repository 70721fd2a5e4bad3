// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver) or PostgreSQL and schema migrations.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

// Supported values for Open's driver argument.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	configurePool(db, 10)
	return db, nil
}

// OpenPostgres opens a PostgreSQL database from a libpq-style DSN.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	configurePool(db, 20)
	return db, nil
}

// Open dispatches on driver. For sqlite, dsn is a file path.
// When tracing is true, SQL statements are exported as OpenTelemetry spans.
func Open(driver, dsn string, withTracing bool) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "", DriverSQLite:
		db, err = OpenSQLite(dsn)
	case DriverPostgres:
		db, err = OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if withTracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, fmt.Errorf("gorm tracing: %w", err)
		}
	}
	return db, nil
}

func configurePool(db *gorm.DB, maxOpen int) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
}

// AutoMigrate creates or updates every table owned by the bot.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Requester{},
		&domain.Buyer{},
		&domain.Supplier{},
		&domain.Application{},
		&domain.ManagerAction{},
		&domain.EmailRecord{},
		&domain.Invoice{},
		&domain.ConversationTurn{},
		&domain.Notification{},
		&domain.Idempotency{},
	)
}

// Package database provides database setup, models, and the data access
// layer (Store) shared by the ingestion and processing loops.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/migrations"

	// Database drivers for the supported dialects.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// driverNames maps the configured dialect to the database/sql driver name.
var driverNames = map[string]string{
	"sqlite":   "sqlite",
	"postgres": "postgres",
}

// NewDB connects to the configured database, applies the pool settings,
// and runs the embedded migrations for the selected dialect.
//
// Both polling loops share the returned pool; every store operation checks
// a connection out and back in, so no session is ever held across a cycle.
func NewDB(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	driverName, ok := driverNames[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sqlx.Connect(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite does not support concurrent writers; one connection serializes
	// the two loops instead of failing with SQLITE_BUSY.
	if cfg.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := ApplyMigrations(db.DB, cfg.Driver); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Error closing database after migration failure", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	slog.Info("Database connected and migrations applied", "driver", cfg.Driver)
	return db, nil
}

// CloseDB closes the database connection pool.
func CloseDB(db *sqlx.DB) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		slog.Error("Error closing database connection", "error", err)
	} else {
		slog.Info("Database connection closed")
	}
}

// ApplyMigrations runs the embedded migrations for the given dialect
// ("sqlite" or "postgres") against db.
func ApplyMigrations(db *sql.DB, dialect string) error {
	if db == nil {
		return errors.New("database connection is nil, cannot apply migrations")
	}

	sourceDriver, err := iofs.New(migrations.FS, dialect)
	if err != nil {
		return fmt.Errorf("failed to create migration source for %s: %w", dialect, err)
	}

	var migrator *migrate.Migrate
	switch dialect {
	case "sqlite":
		dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migration driver: %w", err)
		}
		migrator, err = migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	case "postgres":
		dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migration driver: %w", err)
		}
		migrator, err = migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	default:
		return fmt.Errorf("unsupported migration dialect %q", dialect)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("No database migrations to apply")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	slog.Info("Database migrations applied")
	return nil
}

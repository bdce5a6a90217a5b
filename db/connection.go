package db

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sendloop/sendloop/errors"
)

// Open opens the scheduler database for the given driver.
// Supported drivers are "sqlite3" (dsn is a file path or ":memory:"),
// "postgres" (lib/pq) and "pgx" (pgx stdlib).
// If logger is provided, logs database operations; otherwise operates silently.
func Open(driver, dsn string, logger *zap.SugaredLogger) (*sql.DB, error) {
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Debugw("Opening database", "driver", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", driver)
	}

	switch dialect {
	case SQLite:
		// A single connection serializes writers and keeps ":memory:" databases
		// shared across every query.
		conn.SetMaxOpenConns(1)

		// Enable WAL mode for concurrent reads during writes
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "failed to enable WAL mode")
		}

		// Enable foreign key constraints
		if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "failed to enable foreign keys")
		}

		// Set busy timeout to 5 seconds
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "failed to set busy timeout")
		}
	case Postgres:
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)

		if err := conn.Ping(); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "failed to reach %s database", driver)
		}
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"driver", driver,
			"dialect", string(dialect),
		)
	}

	return conn, nil
}

// OpenWithMigrations opens the database and applies pending migrations.
func OpenWithMigrations(driver, dsn string, logger *zap.SugaredLogger) (*sql.DB, Dialect, error) {
	conn, err := Open(driver, dsn, logger)
	if err != nil {
		return nil, "", err
	}
	dialect, _ := DialectForDriver(driver)
	if err := Migrate(conn, dialect, logger); err != nil {
		conn.Close()
		return nil, "", errors.Wrap(err, "failed to run migrations")
	}
	return conn, dialect, nil
}

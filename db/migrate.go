package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sendloop/sendloop/errors"
)

// Migration files use only portable SQL (TEXT/INTEGER columns, partial
// indexes) so one set serves SQLite and Postgres.
//
//go:embed migrations/*.sql
var migrations embed.FS

// Migrate runs all pending migrations.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(conn *sql.DB, dialect Dialect, logger *zap.SugaredLogger) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	// Sort migrations (000_create_schema_migrations.sql runs first)
	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	applied, err := appliedVersions(conn)
	if err != nil {
		return err
	}

	for _, filename := range migrationFiles {
		version := strings.Split(filename, "_")[0]

		if applied[version] {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)",
					"migration", filename,
					"version", version,
				)
			}
			continue
		}
		if applied == nil && version != "000" {
			return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
		}

		sqlBytes, err := migrations.ReadFile(path.Join("migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Infow("Applying migration",
				"migration", filename,
				"version", version,
			)
		}

		tx, err := conn.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}

		// Record migration (000 creates the table, then records itself)
		if _, err := tx.Exec(
			dialect.Rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
			version, FormatTime(time.Now()),
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}

		if applied == nil {
			applied = map[string]bool{}
		}
		applied[version] = true
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"total_migrations", len(migrationFiles),
		)
	}

	return nil
}

// appliedVersions returns nil when schema_migrations does not exist yet.
func appliedVersions(conn *sql.DB) (map[string]bool, error) {
	rows, err := conn.Query("SELECT version FROM schema_migrations")
	if err != nil {
		// Table doesn't exist yet - first run
		return nil, nil
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[v] = true
	}
	return applied, errors.Wrap(rows.Err(), "iterate schema_migrations")
}

package store

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

// MigrationStatus reports the schema version applied to db and the embedded
// migrations for driver that are still pending.
func MigrationStatus(db *sql.DB, driver string) (current int64, pending []int64, err error) {
	var dir, dialect string
	switch driver {
	case "sqlite":
		goose.SetBaseFS(migrations)
		dir, dialect = "migrations", "sqlite3"
	case "postgres":
		goose.SetBaseFS(pgMigrations)
		dir, dialect = "pgmigrations", "postgres"
	default:
		return 0, nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
	if err := goose.SetDialect(dialect); err != nil {
		return 0, nil, fmt.Errorf("setting goose dialect: %w", err)
	}

	current, err = goose.GetDBVersion(db)
	if err != nil {
		return 0, nil, fmt.Errorf("reading schema version: %w", err)
	}

	all, err := goose.CollectMigrations(dir, 0, goose.MaxVersion)
	if err != nil {
		return current, nil, fmt.Errorf("collecting migrations: %w", err)
	}
	for _, m := range all {
		if m.Version > current {
			pending = append(pending, m.Version)
		}
	}
	return current, pending, nil
}

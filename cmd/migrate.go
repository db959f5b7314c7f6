package cmd

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/smeird/PubObs/internal/config"
	"github.com/smeird/PubObs/internal/store"
	"github.com/spf13/cobra"
)

var dryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show pending migrations without applying")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if dryRun {
		slog.Info("dry run mode, showing pending migrations")
		return showPendingMigrations(cfg)
	}

	// Opening the store runs migrations.
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	slog.Info("migrations complete", "driver", cfg.Storage.Driver)
	return nil
}

func showPendingMigrations(cfg *config.Config) error {
	driverName := map[string]string{"sqlite": "sqlite", "postgres": "pgx"}[cfg.Storage.Driver]
	if driverName == "" {
		return fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}

	db, err := sql.Open(driverName, cfg.DSN())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	current, pending, err := store.MigrationStatus(db, cfg.Storage.Driver)
	if err != nil {
		return err
	}

	slog.Info("migration status",
		"current_version", current,
		"pending", pending,
		"driver", cfg.Storage.Driver,
	)
	return nil
}

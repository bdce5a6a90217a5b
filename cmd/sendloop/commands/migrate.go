package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sendloop/sendloop/db"
	"github.com/sendloop/sendloop/logger"
)

// MigrateCmd applies pending migrations.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply pending schema migrations to the configured database. Every other
command migrates on open as well, so this is mainly for deploy pipelines.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer logger.Cleanup()

		conn, _, err := db.OpenWithMigrations(cfg.Database.Driver, cfg.Database.DSN, logger.Logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		pterm.Success.Printf("Database (%s) is up to date\n", cfg.Database.Driver)
		return nil
	},
}

package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"gpufleet/internal/storage"
)

var migrateDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if a.Config.Database.DSN == "" {
			return errors.New("database.dsn must be configured to migrate")
		}

		dir := migrateDir
		if dir == "" {
			dir = a.Config.Database.MigrationsPath
		}

		a.Logger.Info().Str("dir", dir).Msg("running database migrations")
		return storage.RunMigrations(a.Config.Database.DSN, dir)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDir, "dir", "", "Migrations directory (defaults to config)")
}

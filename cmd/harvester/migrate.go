package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"harvester/packages/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireDatabase(); err != nil {
			return err
		}
		return db.Migrate(cfg.DatabaseURL, slog.Default())
	},
}

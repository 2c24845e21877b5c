package main

import (
	"database/sql"
	"fmt"

	"github.com/rpattn/accessingest/internal/config"
	"github.com/rpattn/accessingest/internal/db"

	"github.com/spf13/cobra"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations to the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.loadWithLogger()
			if err != nil {
				return err
			}
			switch cfg.Store.Driver {
			case config.StorePostgres:
				return db.RunMigrations(cfg.Database, logger)
			case config.StoreSQLite:
				var handle *sql.DB
				handle, err = db.OpenSQLite(cmd.Context(), cfg.Store.SQLitePath)
				if err != nil {
					return err
				}
				defer handle.Close()
				return db.RunSQLiteMigrations(handle, logger)
			default:
				return fmt.Errorf("store driver %q has no schema to migrate", cfg.Store.Driver)
			}
		},
	}
}

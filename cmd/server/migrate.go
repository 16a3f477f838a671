package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/and161185/medconsent/internal/config"
	"github.com/and161185/medconsent/internal/migrate"
)

func migrateCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Memory() {
				return errors.New("database.dsn is not set")
			}
			n, err := migrate.Up(cmd.Context(), cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			v, err := migrate.Version(cmd.Context(), cfg.Database.DSN)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d, schema at version %d\n", n, v)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Memory() {
				return errors.New("database.dsn is not set")
			}
			v, err := migrate.Version(cmd.Context(), cfg.Database.DSN)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	})
	return cmd
}

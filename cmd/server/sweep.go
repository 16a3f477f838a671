package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/and161185/medconsent/internal/config"
)

func sweepCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired grants once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Memory() {
				return errors.New("database.dsn is not set; nothing to sweep")
			}
			log, err := cfg.Log.NewLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := openStores(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer st.close()

			n, err := newGrantService(cfg, st, log, nil).SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired grant(s)\n", n)
			return nil
		},
	}
}

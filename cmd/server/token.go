package main

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	"github.com/and161185/medconsent/internal/config"
	"github.com/and161185/medconsent/internal/identity"
	"github.com/and161185/medconsent/internal/model"
)

// tokenCmd mints bearer tokens with the configured key. Production tokens come
// from the identity provider; this is for local testing.
func tokenCmd(cfgPath *string) *cobra.Command {
	var (
		sub  string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			id, err := uuid.FromString(sub)
			if err != nil {
				return fmt.Errorf("bad --sub: %w", err)
			}
			r := model.Role(role)
			if !r.Valid() {
				return fmt.Errorf("bad --role %q: want doctor or patient", role)
			}
			tok, exp, err := identity.NewVerifier([]byte(cfg.Auth.SigningKey), 0, nil).
				Issue(model.Principal{ID: id, Role: r}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "principal uuid")
	cmd.Flags().StringVar(&role, "role", "", "doctor or patient")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

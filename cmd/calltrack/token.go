package main

import (
	"fmt"
	"time"

	"calltrack/internal/auth"
	"calltrack/internal/config"
	"calltrack/internal/rbac"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token",
		Long:  "Signs a bearer token with JWT_SECRET for a telephony worker, a dashboard viewer or an admin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !rbac.Valid(role) {
				return fmt.Errorf("unknown role %q (want %s, %s or %s)", role, rbac.RoleTelephony, rbac.RoleViewer, rbac.RoleAdmin)
			}
			cfg, err := config.LoadAuth()
			if err != nil {
				return fmt.Errorf("load auth config: %w", err)
			}
			m, err := auth.NewManager(cfg)
			if err != nil {
				return err
			}
			tok, err := m.IssueToken(time.Now(), subject, role, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "token subject, e.g. the worker name")
	cmd.Flags().StringVarP(&role, "role", "r", rbac.RoleTelephony, "telephony, viewer or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default JWT_TOKEN_TTL or 24h)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

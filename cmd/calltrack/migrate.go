package main

import (
	"context"
	"fmt"
	"time"

	"calltrack/internal/config"
	"calltrack/internal/store"
	"calltrack/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var (
		printOnly bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the call log schema",
		Long:  "Creates or upgrades the call_logs, call_transcripts and active_calls tables. Every statement is idempotent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				fmt.Fprint(cmd.OutOrStdout(), store.Schema())
				return nil
			}
			return runMigrate(cmd, timeout)
		},
	}

	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "time limit for connecting and applying the schema")
	return cmd
}

func runMigrate(cmd *cobra.Command, timeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		return fmt.Errorf("connect to postgres at %s:%d: %w", cfg.DB.Host, cfg.DB.Port, err)
	}
	defer db.Close()

	if err := store.Migrate(ctx, db); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema applied to %s on %s:%d\n", cfg.DB.Name, cfg.DB.Host, cfg.DB.Port)
	return nil
}

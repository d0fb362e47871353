package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/escrow-hub/escrow-hub/internal/bootstrap"
	"github.com/escrow-hub/escrow-hub/internal/config"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/postgres"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL ledger schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := postgresConfig()
			if err != nil {
				return err
			}
			if err := postgres.RunMigrations(cfg.DatabaseURL, bootstrap.NewLogger(cfg.LogLevel)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return errors.New("--steps must be positive")
			}
			cfg, err := postgresConfig()
			if err != nil {
				return err
			}
			if err := postgres.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := postgresConfig()
			if err != nil {
				return err
			}
			version, dirty, err := postgres.MigrationVersion(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	})
	return cmd
}

// postgresConfig loads configuration for commands that only make sense
// against the durable ledger.
func postgresConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if cfg.LedgerBackend != config.BackendPostgres {
		return nil, fmt.Errorf("LEDGER_BACKEND=%s: escrowctl requires the postgres backend", cfg.LedgerBackend)
	}
	return cfg, nil
}

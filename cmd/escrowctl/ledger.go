package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/escrow-hub/escrow-hub/internal/bootstrap"
	"github.com/escrow-hub/escrow-hub/internal/config"
	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
)

// openApp is swapped in tests.
var openApp = func(ctx context.Context, cfg *config.Config) (*bootstrap.App, error) {
	return bootstrap.Build(ctx, cfg, bootstrap.NewLogger(cfg.LogLevel))
}

func withApp(ctx context.Context, fn func(*bootstrap.App) error) error {
	cfg, err := postgresConfig()
	if err != nil {
		return err
	}
	app, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func sweepCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one deadline sweep",
		Long: `Evaluate the deadline policies once and submit every due transition.

With --dry-run the due requests are printed and nothing is submitted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(app *bootstrap.App) error {
				now := app.Engine.Now()
				if dryRun {
					due, err := app.Scheduler.Sweep(ctx, now)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]interface{}{"due": due})
				}
				res, err := app.Scheduler.Run(ctx, now)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print due transitions without submitting them")
	return cmd
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <transaction-id>",
		Short: "Rebuild a transaction from its log and compare with the stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid transaction id: %w", err)
			}
			ctx := cmd.Context()
			return withApp(ctx, func(app *bootstrap.App) error {
				report, err := app.Actions.Replay(ctx, escrow.SystemActor("escrowctl"), id)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Matches {
					return fmt.Errorf("transaction %s does not match its log", id)
				}
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print transaction counts by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(app *bootstrap.App) error {
				stats, err := app.Actions.Statistics(ctx, escrow.SystemActor("escrowctl"))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

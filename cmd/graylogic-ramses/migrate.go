package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/database"
)

// errDatabaseDisabled is returned by migrate when database.enabled is false.
var errDatabaseDisabled = errors.New("database is disabled in the configuration")

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the device database schema",
	Long: `Migrate shows the applied and pending migrations of the device database.
The bridge applies pending migrations itself on start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, db *database.DB) error {
			return printMigrationStatus(ctx, cmd.OutOrStdout(), db)
		})
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, db *database.DB) error {
			if err := db.Migrate(ctx); err != nil {
				return err
			}
			return printMigrationStatus(ctx, cmd.OutOrStdout(), db)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, db *database.DB) error {
			if err := db.MigrateDown(ctx); err != nil {
				return err
			}
			return printMigrationStatus(ctx, cmd.OutOrStdout(), db)
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

// withDatabase loads the configuration and calls fn with the opened
// device database.
func withDatabase(ctx context.Context, fn func(context.Context, *database.DB) error) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Database.Enabled {
		return errDatabaseDisabled
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // Read-mostly, nothing to flush

	return fn(ctx, db)
}

func printMigrationStatus(ctx context.Context, w io.Writer, db *database.DB) error {
	status, err := db.MigrationStatus(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED")
	for _, r := range status.Applied {
		fmt.Fprintf(tw, "%s\tapplied\t%s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range status.Pending {
		fmt.Fprintf(tw, "%s\tpending\t-\n", m.Version)
	}
	return tw.Flush()
}

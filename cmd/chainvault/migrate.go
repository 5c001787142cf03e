package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chainvault/internal/config"
	"chainvault/internal/store"
)

func newMigrateCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var dryRun bool
	var inspect bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run or inspect metadata schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inspect || dryRun {
				return printMigrationPlan(cfg.DBPath, *jsonOutput)
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if err := st.Close(); err != nil {
				return err
			}

			if *jsonOutput {
				return printMigrationPlan(cfg.DBPath, true)
			}
			return writePlain("Migrations applied successfully.\n")
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show pending migrations without applying")
	cmd.Flags().BoolVar(&inspect, "inspect", false, "show migration status")
	return cmd
}

func printMigrationPlan(path string, jsonOutput bool) error {
	db, err := store.OpenRaw(path)
	if err != nil {
		return err
	}
	defer db.Close()

	plan, err := store.MigrationPlan(db)
	if err != nil {
		return fmt.Errorf("inspect migrations: %w", err)
	}
	if jsonOutput {
		return writeJSON(plan)
	}

	lines := []string{
		fmt.Sprintf("Current version: %d", plan.CurrentVersion),
		fmt.Sprintf("Available version: %d", plan.AvailableVersion),
	}
	if len(plan.Pending) == 0 {
		lines = append(lines, "No pending migrations.")
	} else {
		lines = append(lines, fmt.Sprintf("Pending migrations: %d", len(plan.Pending)))
		for _, m := range plan.Pending {
			lines = append(lines, fmt.Sprintf("  %d: %s", m.Version, m.Description))
		}
	}
	return writeLines(lines)
}

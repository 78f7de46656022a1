package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/pricepulse/internal/logging"
	"github.com/JakeFAU/pricepulse/internal/storage/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return migrations.Up(appInstance.Config().Database.DSN, logging.Component(appInstance.Logger(), "migrate"))
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return migrations.Down(appInstance.Config().Database.DSN, steps, logging.Component(appInstance.Logger(), "migrate"))
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert; 0 reverts all")

	cmd.AddCommand(up, down)
	return cmd
}

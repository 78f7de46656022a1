package cmd

import (
	"github.com/spf13/cobra"
)

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Enqueue recurring price checks",
		Long: `Every scheduler.interval_minutes, enqueues one recurring price check per
active product. Run exactly one scheduler per deployment.`,
		RunE: runScheduler,
	}
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	sched, err := appInstance.Scheduler(cmd.Context())
	if err != nil {
		return err
	}
	sched.Run(cmd.Context())
	return nil
}

package cmd

import (
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume price checks from the queue",
		Long: `Runs worker.concurrency workers against the price_tracking queue. Each
job fetches the current price and records it in one transaction. Failed jobs
are retried with backoff and dead-lettered once attempts run out.`,
		RunE: runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	dispatch, err := appInstance.Dispatcher(cmd.Context())
	if err != nil {
		return err
	}
	dispatch.Run(cmd.Context())
	return nil
}

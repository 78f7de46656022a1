package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newStandaloneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "standalone",
		Short: "Run API, workers, and scheduler in one process",
		Long: `Development mode. Every role runs in this process over an in-memory
queue, so jobs do not survive a restart. Products are kept in PostgreSQL
unless --memory-store is set.`,
		Annotations: map[string]string{annotationMemoryBroker: "true"},
		RunE:        runStandalone,
	}
	cmd.Flags().Bool("memory-store", false, "keep products in memory instead of PostgreSQL")
	return cmd
}

func runStandalone(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	server, err := appInstance.APIServer(ctx)
	if err != nil {
		return err
	}
	dispatch, err := appInstance.Dispatcher(ctx)
	if err != nil {
		return err
	}
	sched, err := appInstance.Scheduler(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return serveHTTP(gctx, server, appInstance.Config().Server.Port, appInstance.Logger())
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

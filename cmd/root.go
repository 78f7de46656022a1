// Package cmd defines and implements the CLI commands of the pricepulse
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricepulse/internal/app"
	"github.com/JakeFAU/pricepulse/internal/config"
	"github.com/JakeFAU/pricepulse/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// annotationMemoryBroker marks commands that run every role in one process
// and therefore use the in-memory broker.
const annotationMemoryBroker = "pricepulse/memory-broker"

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(cfg config.Config, logger *zap.Logger, opts app.Options) *app.App {
	return app.New(cfg, logger, opts)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "pricepulse",
		Short: "Track product prices across platforms.",
		Long: `pricepulse registers products, checks their prices on a schedule through
a durable Redis queue, and records a price history in PostgreSQL. The API,
workers, and scheduler run as separate processes built from this binary.`,
		SilenceUsage: true,

		// Loads configuration and builds the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)

			opts := app.Options{MemoryBroker: cmd.Annotations[annotationMemoryBroker] == "true"}
			if f := cmd.Flags().Lookup("memory-store"); f != nil {
				opts.MemoryStore = f.Value.String() == "true"
			}
			appInstance := newApp(cfg, logger.With(zap.String("command", cmd.Name())), opts)
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		// Shuts services down and flushes the logger.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
				_ = appInstance.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newSchedulerCmd(),
		newMigrateCmd(),
		newStandaloneCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

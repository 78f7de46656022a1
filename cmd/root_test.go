package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestRootCommandTree(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "worker", "scheduler", "migrate", "standalone"} {
		require.True(t, names[want], "missing subcommand %s", want)
	}
	require.NotNil(t, root.PersistentFlags().Lookup("config"))

	migrate, _, err := root.Find([]string{"migrate", "down"})
	require.NoError(t, err)
	require.Equal(t, "1", migrate.Flags().Lookup("steps").DefValue)

	standalone, _, err := root.Find([]string{"standalone"})
	require.NoError(t, err)
	require.Equal(t, "true", standalone.Annotations[annotationMemoryBroker])
	require.NotNil(t, standalone.Flags().Lookup("memory-store"))
}

func TestResolveAppWithoutApp(t *testing.T) {
	t.Parallel()

	_, err := resolveApp(context.Background())
	require.Error(t, err)
}

func TestPreRunLoadsConfigAndBuildsApp(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pricepulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  development: false\n  level: warn\n"), 0o600))

	root := newRootCmd()
	var ran bool
	probe := &cobra.Command{
		Use:         "probe",
		Annotations: map[string]string{annotationMemoryBroker: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			broker, err := appInstance.Broker(cmd.Context())
			if err != nil {
				return err
			}
			ran = broker != nil
			return nil
		},
	}
	root.AddCommand(probe)
	root.SetArgs([]string{"--config", path, "probe"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.True(t, ran)
}

func TestPreRunRejectsMissingConfig(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	root.AddCommand(&cobra.Command{Use: "probe", RunE: func(*cobra.Command, []string) error { return nil }})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "probe"})
	root.SilenceErrors = true
	require.Error(t, root.ExecuteContext(context.Background()))
}

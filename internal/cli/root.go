// Package cli is the flowexec command tree.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appName = "flowexec"

// Run executes the command named by args and returns the process exit code.
func Run(ctx context.Context, version string, args []string) int {
	cmd := NewRootCmd(version)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", appName, err)
		return 1
	}
	return 0
}

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Flow execution backbone: job queue, event bus, checkpoints, agent runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = version
	cmd.SetVersionTemplate(appName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "path to a YAML config file (defaults to $FLOWEXEC_CONFIG)")

	cmd.AddCommand(
		newAPICmd(),
		newWorkerCmd(),
		newAllCmd(),
		newQueueCmd(),
		newCheckpointCmd(),
	)
	return cmd
}

// withApp loads configuration, hands the app to fn and releases it after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	path, _ := cmd.Flags().GetString("config")
	a, err := newApp(path)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runErr := fn(ctx, a)
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownWait)
	defer cancel()
	if err := a.close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"familynet/backend/internal/app"
	"familynet/backend/pkg/config"
	"familynet/backend/pkg/logger"
)

var Version = "dev"

// opener builds the service stack a command runs against
type opener func(ctx context.Context) (*app.App, error)

func openFromEnv(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return app.New(ctx, cfg)
}

func main() {
	defer logger.Sync()

	if err := newRootCmd(openFromEnv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(open opener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "familynetctl",
		Short:         "Maintenance commands for the family network store",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(repairCmd(open))
	rootCmd.AddCommand(dedupCmd(open))
	rootCmd.AddCommand(reconcileCmd(open))
	rootCmd.AddCommand(tokenCmd(open))
	rootCmd.AddCommand(registerCmd(open))
	rootCmd.AddCommand(requestsCmd(open))

	return rootCmd
}

// withApp opens the stack, runs fn and closes the stack again
func withApp(cmd *cobra.Command, open opener, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	return fn(ctx, a)
}

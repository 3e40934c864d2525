// Package cmd defines and implements the CLI commands for the dwh executable.
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

	"github.com/JakeFAU/weblog-dwh/internal/api"
	"github.com/JakeFAU/weblog-dwh/internal/app"
	"github.com/JakeFAU/weblog-dwh/internal/config"
	"github.com/JakeFAU/weblog-dwh/internal/logging"
)

// envKeyType is the key for storing the command environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	api.Service
	Close()
}

// env is what PersistentPreRunE hands to every subcommand.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	app    App
}

// newApp is the application factory. It's a variable so tests can replace it
// with a fake factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "dwh",
		Short: "Load web access logs into a dimensional warehouse.",
		Long: `dwh stages a raw access-log CSV, rejects rows that fail data-quality
checks, resolves time, URL and status dimensions, writes one fact per accepted
request and exports the denormalized result as CSV.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Config, logger and app are built once here and handed to the
		// subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger, app: appInstance})
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the DWH_ prefix")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newRejectionsCmd())
	cmd.AddCommand(newServeCmd())

	// PersistentPostRun is skipped when RunE fails, so closing is wrapped
	// around each subcommand instead.
	for _, sub := range cmd.Commands() {
		closeAfter(sub)
	}
	return cmd
}

func closeAfter(sub *cobra.Command) {
	run := sub.RunE
	if run == nil {
		return
	}
	sub.RunE = func(cmd *cobra.Command, args []string) error {
		defer func() {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e.app != nil {
				e.app.Close()
			}
		}()
		return run(cmd, args)
	}
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil || e.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

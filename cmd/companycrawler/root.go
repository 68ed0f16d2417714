package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-crawler/internal/app"
	"github.com/JakeFAU/company-crawler/internal/config"
	"github.com/JakeFAU/company-crawler/internal/logging"
	"github.com/JakeFAU/company-crawler/internal/pipeline"
)

type appKeyType struct{}

// App is the slice of the application container the commands use. Tests swap
// in a fake through newApp.
type App interface {
	Logger() *zap.Logger
	Serve(ctx context.Context) error
	Fetch(ctx context.Context, reqs []pipeline.Request) ([]pipeline.Result, error)
	Close()
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// cliOptions holds flags shared by every subcommand.
type cliOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:   "companycrawler",
		Short: "Polite, rate-limited fetching of company web pages.",
		Long: `companycrawler schedules page fetches so that no target domain sees more
traffic than its pacing allows, backs off from domains that throttle it, and
stops calling domains whose circuit breaker has tripped.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, a))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKeyType{}).(App); ok && a != nil {
				a.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newFetchCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	if ctx == nil {
		return nil, errors.New("command context is nil")
	}
	a, ok := ctx.Value(appKeyType{}).(App)
	if !ok || a == nil {
		return nil, errors.New("application not initialized")
	}
	return a, nil
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/config"
	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/logging"
	"github.com/JakeFAU/url-indexer/internal/server"
)

// skipSeedAnnotation marks commands that must not touch the account table.
const skipSeedAnnotation = "indexer/skip-account-seed"

type appKeyType struct{}

// App is the part of server.App the commands use.
type App interface {
	Serve(ctx context.Context) error
	TriggerRun(ctx context.Context, force bool) indexing.PipelineRun
	Status() indexing.StatusReader
	Import(ctx context.Context, entries []server.ImportEntry) (int, error)
	Migrate(ctx context.Context) error
	Close(ctx context.Context)
}

// newApp is the application factory. It's a variable so tests can inject
// their own build options.
var newApp = func(ctx context.Context, cfgPath string, skipSeed, watch bool) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	opts := server.Options{SkipAccountSeed: skipSeed}
	if watch {
		opts.ConfigPath = cfgPath
	}
	app, err := server.Build(ctx, cfg, logger, opts)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "indexer",
		Short:         "Quota-aware URL indexing pipeline.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `indexer verifies URLs, submits them to a search-engine indexing API
within each service account's daily quota, and inspects the results,
retrying transient failures with backoff.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_, skipSeed := cmd.Annotations[skipSeedAnnotation]
			watch := cmd.Name() == "serve" && cfgFile != ""
			appInstance, err := newApp(cmd.Context(), cfgFile, skipSeed, watch)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKeyType{}).(App); ok && appInstance != nil {
				appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
			_ = zap.L().Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newStatusCmd(),
		newCountsCmd(),
		newImportCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKeyType{}).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

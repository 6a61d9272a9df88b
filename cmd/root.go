// Package cmd defines the CLI commands for the recall-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/config"
	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/pipeline"
	"github.com/JakeFAU/recall-crawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the commands need from the wired application. Tests swap in a fake.
type App interface {
	Run(ctx context.Context) error
	Crawl(ctx context.Context, urls []string) ([]pipeline.SiteResult, error)
	Recall(ctx context.Context, query string) ([]crawler.RecallResult, error)
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "recall-crawler",
		Short: "Incremental crawler and semantic recall service.",
		Long: `recall-crawler keeps an embedded copy of registered sites up to date.
Each pass checks HEAD metadata and a content hash before re-chunking and
re-embedding a page, and the recall endpoint ranks stored chunks by cosine
similarity to a query.`,
		SilenceUsage: true,

		// Build the application once the flags are parsed.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
					return fmt.Errorf("close application: %w", err)
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ./recall-crawler.yaml and $HOME/.recall-crawler/)")

	cmd.AddCommand(newServeCmd(), newCrawlCmd(), newRecallCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

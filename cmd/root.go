// Package cmd defines the CLI commands for the au-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/au-crawler/internal/config"
	"github.com/JakeFAU/au-crawler/internal/server"
	"github.com/JakeFAU/au-crawler/internal/status"
	pathconfig "github.com/JakeFAU/au-crawler/pkg/config"
)

type cfgKeyType struct{}

// App is the part of the daemon the commands drive. Tests inject a fake.
type App interface {
	Run(ctx context.Context) error
	CrawlOnce(ctx context.Context, auid string) (status.Snapshot, error)
	Close(ctx context.Context)
}

// newApp builds the daemon. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "au-crawler",
		Short: "Crawl scheduler and crawler for preserved archival units.",
		Long: `au-crawler keeps a set of archival units up to date. It schedules
new-content and repair crawls under per-unit crawl windows and fetch rates,
checks publisher permission before collecting, and records each crawl's
status and history.`,
		SilenceUsage: true,

		// Config is resolved once here; subcommands read it from the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, err := pathconfig.Resolve(cfgFile)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKeyType{}, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is ./%s, then %s)", pathconfig.FileName, pathconfig.XDGConfigDir()))

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newAUsCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "au-crawler:", err)
		os.Exit(1)
	}
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(cfgKeyType{}).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// withApp builds the daemon, runs fn and closes the daemon whatever fn
// returns.
func withApp(ctx context.Context, fn func(App) error) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout(cfg))
		defer cancel()
		app.Close(closeCtx)
	}()
	return fn(app)
}

func closeTimeout(cfg config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl scheduler and HTTP API",
		Long: `Loads the configured archival units, starts the crawl scheduler and
serves the HTTP API until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(app App) error {
				if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			})
		},
	}
}

package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/status"
)

func newCrawlCmd() *cobra.Command {
	var detail bool
	cmd := &cobra.Command{
		Use:   "crawl <auid>",
		Short: "Run one new-content crawl of a unit in the foreground",
		Long: `Runs a single new-content crawl of the named archival unit without
the scheduler, then prints the crawl status as JSON. The command fails when
the crawl does not finish successfully.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(app App) error {
				snap, err := app.CrawlOnce(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("crawl %s: %w", args[0], err)
				}
				if !detail {
					snap = summary(snap)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(snap); err != nil {
					return fmt.Errorf("write status: %w", err)
				}
				if snap.Status != crawler.StatusSuccessful.String() {
					return fmt.Errorf("crawl %s ended %s: %s", args[0], snap.Status, snap.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&detail, "detail", false, "include per-url lists in the output")
	return cmd
}

func summary(s status.Snapshot) status.Snapshot {
	s.Fetched, s.Parsed, s.NotModified, s.Pending = nil, nil, nil, nil
	s.Excluded = nil
	return s
}

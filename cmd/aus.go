package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/au-crawler/internal/registry"
)

func newAUsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aus",
		Short: "List the configured archival units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			defs := cfg.AUs.Definitions
			if cfg.AUs.File != "" {
				fromFile, err := registry.LoadFile(cfg.AUs.File)
				if err != nil {
					return fmt.Errorf("load au file: %w", err)
				}
				defs = append(defs, fromFile...)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AUID\tNAME\tSTART URLS\tPOOL")
			for _, d := range defs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.AUID, d.Name, len(d.StartURLs), d.CrawlPoolKey)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("write aus: %w", err)
			}
			return nil
		},
	}
}

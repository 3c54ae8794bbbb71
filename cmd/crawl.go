package cmd

import (
	"github.com/spf13/cobra"

	"github.com/podthemes/podingest/internal/worker"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run a full crawl over all configured feeds",
		Long: `crawl fetches every configured feed unconditionally, parses and
normalizes the results, and upserts show and episode rows. Per-feed
failures are reported in the printed summary without failing the run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, worker.ModeCrawl)
		},
	}
}

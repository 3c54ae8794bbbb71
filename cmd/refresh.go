package cmd

import (
	"github.com/spf13/cobra"

	"github.com/podthemes/podingest/internal/worker"
)

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Run a delta refresh using stored checkpoints",
		Long: `refresh loads each feed's checkpoint and supplies its validators as
conditional request headers. Feeds answering not-modified short-circuit
before parsing and leave the database unchanged.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, worker.ModeRefresh)
		},
	}
}

// Package cmd wires the command-line surface for podingest.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/podthemes/podingest/internal/app"
	"github.com/podthemes/podingest/internal/config"
	"github.com/podthemes/podingest/internal/ingest"
	"github.com/podthemes/podingest/internal/worker"
)

var cfgFile string

// newApp is a factory variable so tests can substitute a prebuilt app.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.New(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "podingest",
		Short: "Podcast feed ingestion pipeline",
		Long: `podingest resolves configured podcast feed sources, fetches their RSS
documents politely (robots rules, per-host rate limits, conditional GET),
and upserts normalized show and episode rows into the durable store.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newCrawlCmd(), newRefreshCmd())
	return cmd
}

// runPipeline loads config, builds the app, and executes one run. Config
// and storage failures return an error (non-zero exit); per-feed failures
// are reported in the summary with exit code 0.
func runPipeline(cmd *cobra.Command, mode worker.Mode) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	summary := a.Run(cmd.Context(), mode)
	return printSummary(cmd.OutOrStdout(), summary)
}

func printSummary(w io.Writer, summary ingest.RunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// Execute runs the root command, exiting non-zero only on fatal errors.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hcptensor/hcptensor/internal/catalog"
	"github.com/hcptensor/hcptensor/internal/ingest"
	"github.com/hcptensor/hcptensor/internal/metrics"
)

// Fetch command flags
var (
	dryRun       bool
	fetchWorkers int
	fetchLimit   int
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download and downsample every subject volume",
	Long: `Lists the subjects under the configured bucket root, skips subjects whose
reduced volume is already on disk, downloads the rest through a temporary .part
file and downsamples each new volume once.

Example:
  # See what would be downloaded
  hcptensor fetch --dry-run

  # Download the first 50 subjects with 16 workers
  hcptensor fetch --limit 50 --workers 16`,
	RunE: runStage(runFetch),
}

func init() {
	fetchCmd.Flags().BoolVar(&dryRun, "dry-run", false, "List and probe only, transfer nothing")
	fetchCmd.Flags().IntVar(&fetchWorkers, "workers", 0, "Concurrent subjects (default from config)")
	fetchCmd.Flags().IntVar(&fetchLimit, "limit", 0, "Process only the first N subjects (default from config)")
}

func runFetch(ctx context.Context, m *metrics.PipelineMetrics) error {
	if dryRun {
		cfg.Ingest.DryRun = true
	}
	if fetchWorkers > 0 {
		cfg.Ingest.Workers = fetchWorkers
	}
	if fetchLimit > 0 {
		cfg.Ingest.Limit = fetchLimit
	}

	sess, err := catalog.NewSession(cfg.Remote)
	if err != nil {
		return err
	}
	if err := catalog.CheckCredentials(ctx, sess); err != nil {
		return err
	}
	store := catalog.NewS3Store(s3.New(sess), cfg.Remote.Bucket, cfg.Remote.RequestPayer)

	log.Info().
		Str("bucket", cfg.Remote.Bucket).
		Str("root", cfg.Remote.Root).
		Str("base_dir", cfg.BaseDir).
		Int("workers", cfg.Ingest.Workers).
		Bool("dry_run", cfg.Ingest.DryRun).
		Msg("starting fetch")

	start := time.Now()
	report, err := ingest.New(cfg, store,
		ingest.WithMetrics(m),
		ingest.WithLogger(log.Logger),
	).Run(ctx)

	out := newSummary("fetch", start)
	out.Fetch = report
	return finish(out, err)
}

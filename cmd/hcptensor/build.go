package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hcptensor/hcptensor/internal/atlas"
	"github.com/hcptensor/hcptensor/internal/batch"
	"github.com/hcptensor/hcptensor/internal/merge"
	"github.com/hcptensor/hcptensor/internal/metrics"
)

// Extract command flags
var (
	batchSize    int
	batchWorkers int
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Write numbered batches of volumes and region signals",
	Long: `Groups the local subjects into fixed-size batches. Each volume is checked
against the expected shape, reduced to per-region time series with the atlas,
and written with its group as batch_4d_<n>.npy, batch_schaefer_<n>.npy and
batch_subjects_<n>.json. Earlier batch files are removed first.`,
	RunE: runStage(runExtract),
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Stream the batches into the consolidated tensors",
	RunE:  runStage(runMerge),
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run extract then merge",
	RunE:  runStage(runBuild),
}

func init() {
	for _, c := range []*cobra.Command{extractCmd, buildCmd} {
		c.Flags().IntVar(&batchSize, "batch-size", 0, "Subjects per batch (default from config)")
		c.Flags().IntVar(&batchWorkers, "workers", 0, "Volumes decoded at once (default from config)")
	}
}

func runExtract(ctx context.Context, m *metrics.PipelineMetrics) error {
	out := newSummary("extract", time.Now())
	sum, err := extract(ctx, m)
	out.Batch = sum
	return finish(out, err)
}

func runMerge(ctx context.Context, m *metrics.PipelineMetrics) error {
	out := newSummary("merge", time.Now())
	sum, err := merge.NewMerger(cfg, m, log.Logger).All(ctx)
	out.Merge = sum
	return finish(out, err)
}

func runBuild(ctx context.Context, m *metrics.PipelineMetrics) error {
	out := newSummary("build", time.Now())
	sum, err := extract(ctx, m)
	out.Batch = sum
	if err != nil {
		return finish(out, err)
	}
	msum, err := merge.NewMerger(cfg, m, log.Logger).All(ctx)
	out.Merge = msum
	return finish(out, err)
}

func extract(ctx context.Context, m *metrics.PipelineMetrics) (*batch.Summary, error) {
	if batchSize > 0 {
		cfg.Batch.Size = batchSize
	}
	if batchWorkers > 0 {
		cfg.Batch.Workers = batchWorkers
	}
	if err := cfg.ValidateExtract(); err != nil {
		return nil, err
	}

	labels, err := atlas.Load(cfg.Batch.AtlasPath, cfg.Batch.Regions)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("atlas", cfg.Batch.AtlasPath).
		Int("regions", labels.Regions).
		Ints("expected_shape", cfg.Volume.ExpectedShape).
		Msg("atlas loaded")

	extractor := batch.NewExtractor(cfg, atlas.New(labels), m, log.Logger)
	sum, err := batch.NewRunner(cfg, extractor, m, log.Logger).Run(ctx)
	if err == nil && len(sum.Batches) == 0 {
		log.Warn().Int("subjects", sum.Subjects).Msg("no batch written")
	}
	return sum, err
}

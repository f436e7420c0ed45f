// Package batch turns groups of reduced subject volumes into numbered batch
// artifacts: stacked volumes, stacked region signals and a subject manifest.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/errgroup"

	"github.com/hcptensor/hcptensor/internal/atlas"
	"github.com/hcptensor/hcptensor/internal/config"
	"github.com/hcptensor/hcptensor/internal/metrics"
	"github.com/hcptensor/hcptensor/internal/tensor"
	"github.com/hcptensor/hcptensor/internal/volume"
)

// Verdict is the extraction outcome of one subject.
type Verdict int

const (
	// VerdictValid subjects are part of the batch.
	VerdictValid Verdict = iota
	// VerdictInvalid subjects had the wrong shape and were handled by the
	// invalid-volume policy.
	VerdictInvalid
	// VerdictMissing subjects had no local volume.
	VerdictMissing
	// VerdictFailed subjects hit an unexpected error.
	VerdictFailed
)

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	case VerdictMissing:
		return "missing"
	case VerdictFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome records what happened to one subject.
type Outcome struct {
	Subject string
	Verdict Verdict
	Err     error
}

// Batch is the in-memory result of extracting one group. Subjects, Volumes
// and Signals are parallel and in group order.
type Batch struct {
	Number   int
	Subjects []string
	Volumes  []*tensor.Array
	Signals  []*tensor.Array
	Outcomes []Outcome
}

// Release drops the batch's array data.
func (b *Batch) Release() {
	for _, a := range b.Volumes {
		a.Release()
	}
	for _, a := range b.Signals {
		a.Release()
	}
}

// Extractor loads subject volumes and derives their region signals.
type Extractor struct {
	cfg     *config.Config
	atlas   *atlas.Atlas
	metrics *metrics.PipelineMetrics
	logger  zerolog.Logger
}

// NewExtractor returns an extractor over the given atlas.
func NewExtractor(cfg *config.Config, a *atlas.Atlas, m *metrics.PipelineMetrics, logger zerolog.Logger) *Extractor {
	return &Extractor{cfg: cfg, atlas: a, metrics: m, logger: logger}
}

type extracted struct {
	outcome Outcome
	volume  *tensor.Array
	signal  *tensor.Array
}

// Extract processes one group. At most cfg.Batch.Workers volumes are decoded
// at a time. A subject that fails is excluded and recorded; the group goes
// on. The only error returned is cancellation.
func (e *Extractor) Extract(ctx context.Context, number int, group []string) (*Batch, error) {
	results := make([]extracted, len(group))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Batch.Workers)
	for i, id := range group {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var res extracted
			if r := panics.Try(func() { res = e.extractOne(id) }); r != nil {
				res = extracted{outcome: Outcome{Subject: id, Verdict: VerdictFailed, Err: r.AsError()}}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	b := &Batch{Number: number}
	for _, res := range results {
		b.Outcomes = append(b.Outcomes, res.outcome)
		e.metrics.RecordExtract(res.outcome.Verdict.String())
		if res.outcome.Verdict != VerdictValid {
			e.logger.Warn().
				Err(res.outcome.Err).
				Str("subject", res.outcome.Subject).
				Str("verdict", res.outcome.Verdict.String()).
				Int("batch", number).
				Msg("subject excluded")
			continue
		}
		b.Subjects = append(b.Subjects, res.outcome.Subject)
		b.Volumes = append(b.Volumes, res.volume)
		b.Signals = append(b.Signals, res.signal)
	}
	return b, nil
}

func (e *Extractor) extractOne(id string) extracted {
	fail := func(v Verdict, err error) extracted {
		return extracted{outcome: Outcome{Subject: id, Verdict: v, Err: err}}
	}

	path := e.cfg.VolumePath(id)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fail(VerdictMissing, err)
		}
		return fail(VerdictFailed, err)
	}

	v, err := volume.Read(path)
	if err != nil {
		return fail(VerdictFailed, err)
	}
	if !v.HasShape(e.cfg.Volume.ExpectedShape) {
		err := fmt.Errorf("%w: %v, want %v", ErrShapeMismatch, v.Shape, e.cfg.Volume.ExpectedShape)
		if perr := e.applyInvalidPolicy(id); perr != nil {
			err = errors.Join(err, perr)
		}
		return fail(VerdictInvalid, err)
	}

	labels, err := e.atlas.For(v.SpatialShape(), v.Header.Affine())
	if err != nil {
		return fail(VerdictFailed, err)
	}
	m, err := atlas.Extract(v, labels, e.cfg.Batch.Standardize)
	if err != nil {
		return fail(VerdictFailed, err)
	}

	return extracted{
		outcome: Outcome{Subject: id, Verdict: VerdictValid},
		volume:  &tensor.Array{Shape: v.Shape, Data: v.Data},
		signal:  atlas.ToArray(m),
	}
}

// applyInvalidPolicy disposes of a subject whose volume failed the shape gate.
func (e *Extractor) applyInvalidPolicy(id string) error {
	dir := e.cfg.SubjectDir(id)
	switch e.cfg.Batch.InvalidPolicy {
	case config.PolicyKeep:
		return nil
	case config.PolicyQuarantine:
		q := e.cfg.QuarantineDir()
		if err := os.MkdirAll(q, 0o755); err != nil {
			return fmt.Errorf("quarantine %s: %w", id, err)
		}
		dst := filepath.Join(q, filepath.Base(dir))
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("quarantine %s: %w", id, err)
		}
		if err := os.Rename(dir, dst); err != nil {
			return fmt.Errorf("quarantine %s: %w", id, err)
		}
		e.logger.Info().Str("subject", id).Str("path", dst).Msg("subject quarantined")
		return nil
	default:
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("purge %s: %w", id, err)
		}
		e.logger.Info().Str("subject", id).Str("path", dir).Msg("subject purged")
		return nil
	}
}

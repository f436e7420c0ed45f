package batch

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hcptensor/hcptensor/internal/config"
	"github.com/hcptensor/hcptensor/internal/metrics"
)

const maxFailures = 5

// Summary tallies a batch run.
type Summary struct {
	Subjects int       `json:"subjects"`
	Batches  []int     `json:"batches"`
	Valid    int       `json:"valid"`
	Invalid  int       `json:"invalid"`
	Missing  int       `json:"missing"`
	Failed   int       `json:"failed"`
	Failures []Failure `json:"failures,omitempty"`
}

// Failure names an excluded subject.
type Failure struct {
	Subject string `json:"subject"`
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

func (s *Summary) add(o Outcome) {
	switch o.Verdict {
	case VerdictValid:
		s.Valid++
		return
	case VerdictInvalid:
		s.Invalid++
	case VerdictMissing:
		s.Missing++
	case VerdictFailed:
		s.Failed++
	}
	if len(s.Failures) < maxFailures {
		reason := ""
		if o.Err != nil {
			reason = o.Err.Error()
		}
		s.Failures = append(s.Failures, Failure{Subject: o.Subject, Verdict: o.Verdict.String(), Reason: reason})
	}
}

// Runner splits the local subjects into fixed-size groups and writes one
// batch per group, sequentially.
type Runner struct {
	cfg       *config.Config
	extractor *Extractor
	metrics   *metrics.PipelineMetrics
	logger    zerolog.Logger
}

// NewRunner returns a runner using extractor for each group.
func NewRunner(cfg *config.Config, extractor *Extractor, m *metrics.PipelineMetrics, logger zerolog.Logger) *Runner {
	return &Runner{cfg: cfg, extractor: extractor, metrics: m, logger: logger}
}

// Run clears old batch artifacts, then extracts and persists every group.
// Group i (0-based) becomes batch i+1; a group with no valid subject leaves
// a gap in the numbering.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	subjects, err := DiscoverSubjects(r.cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	dir := r.cfg.DataDir
	if err := Clear(dir); err != nil {
		return nil, fmt.Errorf("clear old batches: %w", err)
	}

	size := r.cfg.Batch.Size
	groups := (len(subjects) + size - 1) / size
	r.logger.Info().Int("subjects", len(subjects)).Int("groups", groups).Int("size", size).Msg("batching subjects")

	sum := &Summary{Subjects: len(subjects)}
	for g := 0; g < groups; g++ {
		number := g + 1
		group := subjects[g*size : min((g+1)*size, len(subjects))]

		b, err := r.extractor.Extract(ctx, number, group)
		if err != nil {
			return sum, err
		}
		for _, o := range b.Outcomes {
			sum.add(o)
		}
		if len(b.Subjects) == 0 {
			r.logger.Warn().Int("batch", number).Msg("no valid volumes, batch skipped")
			continue
		}

		err = Persist(dir, b)
		b.Release()
		if err != nil {
			return sum, err
		}
		sum.Batches = append(sum.Batches, number)
		r.metrics.RecordBatch()
		r.logger.Info().
			Int("batch", number).
			Int("valid", len(b.Subjects)).
			Int("excluded", len(group)-len(b.Subjects)).
			Msg("batch written")
		metrics.LogMemory(r.logger, r.metrics, fmt.Sprintf("batch %d", number))
	}
	return sum, nil
}

// DiscoverSubjects returns the ids of subject_<id> directories under base,
// sorted numerically.
func DiscoverSubjects(base string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read base dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "subject_") {
			continue
		}
		id := strings.TrimPrefix(e.Name(), "subject_")
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.ParseUint(ids[i], 10, 64)
		b, _ := strconv.ParseUint(ids[j], 10, 64)
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

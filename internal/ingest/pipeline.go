package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/hcptensor/hcptensor/internal/catalog"
	"github.com/hcptensor/hcptensor/internal/config"
	"github.com/hcptensor/hcptensor/internal/metrics"
	"github.com/hcptensor/hcptensor/pkg/bytesize"
)

// Report summarizes a pipeline run.
type Report struct {
	Snapshot
	EndBytes int64    `json:"end_bytes"`
	Results  []Result `json:"-"`
}

// Pipeline runs list, probe, fetch and reduce over every subject.
type Pipeline struct {
	cfg     *config.Config
	store   catalog.Store
	fetcher *Fetcher
	prober  Prober
	reducer volumeReducer
	metrics *metrics.PipelineMetrics
	logger  zerolog.Logger
}

// UnreducibleSuffix names the marker left next to a volume that one
// reduction could not bring within bound. While it exists the volume is not
// decoded again; delete it to retry.
const UnreducibleSuffix = ".unreducible"

type volumeReducer interface {
	Reduce(path string) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records outcomes into m.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithBackOff sets the pacing between stream re-attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(p *Pipeline) { p.fetcher.NewBackOff = fn }
}

// WithFreeSpace replaces the free-space probe.
func WithFreeSpace(fn func(dir string) (int64, error)) Option {
	return func(p *Pipeline) { p.fetcher.FreeSpace = fn }
}

// WithLogger sets the logger used for per-subject and transfer lines.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
		p.fetcher.Logger = l
	}
}

// New builds a pipeline over store.
func New(cfg *config.Config, store catalog.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:   cfg,
		store: store,
		fetcher: &Fetcher{
			Store:          store,
			DryRun:         cfg.Ingest.DryRun,
			MinFreeSpace:   cfg.Ingest.MinFreeSpace.Bytes(),
			StreamAttempts: cfg.Remote.StreamAttempts,
			Logger:         log.Logger,
		},
		prober:  Prober{Bound: cfg.Volume.ReducedBound},
		reducer: Reducer{Stride: cfg.Volume.Stride, Bound: cfg.Volume.ReducedBound},
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes every subject in the catalog. Subjects fail individually;
// a fatal error cancels outstanding work and is returned together with the
// report of what was done.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	ids, err := catalog.ListSubjects(ctx, p.store, p.cfg.Remote.Root)
	if err != nil {
		return nil, err
	}
	if limit := p.cfg.Ingest.Limit; limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	p.logger.Info().Int("subjects", len(ids)).Str("root", p.cfg.Remote.Root).Msg("catalog listed")

	startBytes, err := FolderSize(p.cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalFS, err)
	}
	acct := NewAccountant(len(ids), startBytes)

	results := make([]Result, len(ids))
	completions := make([]Completion, len(ids))
	var work []int
	for i, id := range ids {
		s := Subject{
			ID:    id,
			Key:   p.cfg.RemoteKey(id),
			Path:  p.cfg.VolumePath(id),
			State: StateMissing,
		}
		c, err := p.probe(s.Path)
		if err != nil {
			return p.report(acct, results), err
		}
		completions[i] = c
		results[i].Subject = s

		if c != CompletionPresentSmall {
			work = append(work, i)
			continue
		}
		s.State = StateCompleteReduced
		s.Size = fileSize(s.Path)
		acct.Seed(s.Size)
		r := Result{Subject: s, Status: StatusExists}
		acct.Record(r, s.Size)
		p.metrics.RecordFetch(r.Status.String(), 0, 0)
		results[i] = r
	}
	p.logger.Info().
		Int("present", len(ids)-len(work)).
		Int("pending", len(work)).
		Str("on_disk", bytesize.Format(startBytes)).
		Msg("local state probed")

	pl := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(p.cfg.Ingest.Workers)
	for _, i := range work {
		pl.Go(func(ctx context.Context) error {
			r, err := p.process(ctx, results[i].Subject, completions[i])
			results[i] = r
			if err != nil {
				p.logger.Error().Err(err).Str("subject", r.Subject.ID).Msg("fatal error, stopping")
				return err
			}
			acct.Record(r, r.Subject.Size)
			p.metrics.RecordFetch(r.Status.String(), r.Bytes, r.Duration.Seconds())
			estimate := acct.Estimate()
			p.metrics.SetRemaining(estimate)
			p.logResult(r, estimate)
			return nil
		})
	}
	err = pl.Wait()
	return p.report(acct, results), err
}

// probe wraps the prober. An unreadable local file is removed so the
// subject is fetched again.
func (p *Pipeline) probe(path string) (Completion, error) {
	c, err := p.prober.Probe(path)
	if err == nil {
		return c, nil
	}
	p.logger.Warn().Err(err).Str("path", path).Msg("unreadable local volume, will fetch again")
	if p.cfg.Ingest.DryRun {
		return CompletionMissing, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return CompletionMissing, fmt.Errorf("%w: %v", ErrLocalFS, err)
	}
	return CompletionMissing, nil
}

// process takes one subject from its probed state to reduced-on-disk.
func (p *Pipeline) process(ctx context.Context, s Subject, c Completion) (r Result, err error) {
	start := time.Now()
	r = Result{Subject: s}
	defer func() { r.Duration = time.Since(start) }()

	if c == CompletionPresentLarge {
		// Renamed in an earlier run but never reduced: no network needed.
		s.State = StateCompleteRaw
		r.Status = StatusExists
		if p.cfg.Ingest.DryRun {
			r.Status = StatusPlanned
			r.Subject = s
			return r, nil
		}
	} else {
		fr, ferr := p.fetcher.Fetch(ctx, s.Key, s.Path)
		r.Status, r.Bytes, r.Err = fr.Status, fr.Bytes, fr.Err
		if ferr != nil {
			s.State = StateError
			r.Subject = s
			return r, ferr
		}
		switch fr.Status {
		case StatusMissing, StatusPlanned:
			s.State = StateMissing
			r.Subject = s
			return r, nil
		case StatusError:
			s.State = StateError
			r.Subject = s
			return r, nil
		}
		s.State = StateCompleteRaw
		// a fresh copy gets its own chance at reduction
		_ = os.Remove(s.Path + UnreducibleSuffix)
	}

	comp, perr := p.prober.Probe(s.Path)
	if perr != nil {
		s.State = StateError
		r.Status, r.Err, r.Subject = StatusError, perr, s
		return r, nil
	}
	if comp == CompletionPresentLarge {
		marker := s.Path + UnreducibleSuffix
		if _, err := os.Stat(marker); err == nil {
			r.Status, r.Err = StatusError, fmt.Errorf("%w: %s is marked unreducible", ErrStillLarge, s.Path)
			r.Subject = s
			return r, nil
		}
		if rerr := p.reducer.Reduce(s.Path); rerr != nil {
			r.Status, r.Err = StatusError, rerr
			if IsFatal(rerr) {
				s.State = StateError
				r.Subject = s
				return r, rerr
			}
			if errors.Is(rerr, ErrStillLarge) {
				// The file stays; so do the bytes it took.
				s.Size = fileSize(s.Path)
				p.markUnreducible(s, rerr)
			} else {
				// Undecodable download: drop it so the next run fetches again.
				_ = os.Remove(s.Path)
				s.State = StateMissing
			}
			r.Subject = s
			return r, nil
		}
		r.Reduced = true
		p.metrics.RecordReduction()
	}
	s.State = StateCompleteReduced
	s.Size = fileSize(s.Path)
	r.Subject = s
	return r, nil
}

// markUnreducible leaves an empty marker next to s so later runs skip the
// decode. A marker that cannot be written only costs a re-read next time.
func (p *Pipeline) markUnreducible(s Subject, cause error) {
	marker := s.Path + UnreducibleSuffix
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		p.logger.Warn().Err(err).Str("path", marker).Msg("cannot write unreducible marker")
		return
	}
	p.logger.Warn().
		Err(cause).
		Str("subject", s.ID).
		Str("marker", marker).
		Msg("volume still exceeds bound after one reduction, skipped until the marker is removed")
}

func (p *Pipeline) logResult(r Result, estimate int64) {
	ev := p.logger.Info()
	if r.Status == StatusError {
		ev = p.logger.Warn().Err(r.Err)
	}
	ev.Str("subject", r.Subject.ID).
		Str("status", r.Status.String()).
		Str("state", string(r.Subject.State)).
		Int64("bytes", r.Bytes).
		Bool("reduced", r.Reduced).
		Str("remaining_estimate", bytesize.Format(estimate)).
		Msg("subject processed")
}

func (p *Pipeline) report(acct *Accountant, results []Result) *Report {
	end, err := FolderSize(p.cfg.BaseDir)
	if err != nil {
		p.logger.Warn().Err(err).Msg("final folder size unavailable")
	}
	return &Report{Snapshot: acct.Snapshot(), EndBytes: end, Results: results}
}

// FolderSize sums the sizes of regular files under root. Entries that vanish
// during the walk are skipped.
func FolderSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

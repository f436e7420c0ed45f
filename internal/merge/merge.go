// Package merge streams numbered batch artifacts into one consolidated
// tensor per kind without holding more than one batch in memory.
package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/rs/zerolog"

	"github.com/hcptensor/hcptensor/internal/batch"
	"github.com/hcptensor/hcptensor/internal/config"
	"github.com/hcptensor/hcptensor/internal/metrics"
	"github.com/hcptensor/hcptensor/internal/tensor"
)

// Source is one batch artifact. Header is called once per merge, Load once,
// and the loaded array is released as soon as it has been copied.
type Source interface {
	Index() int
	Header() (tensor.Header, error)
	Load() (*tensor.Array, error)
}

type fileSource struct {
	file batch.File
}

func (s fileSource) Index() int { return s.file.Index }

func (s fileSource) Header() (tensor.Header, error) { return tensor.ReadHeaderFile(s.file.Path) }

func (s fileSource) Load() (*tensor.Array, error) { return tensor.ReadFile(s.file.Path) }

// FileSources wraps batch files found on disk.
func FileSources(files []batch.File) []Source {
	out := make([]Source, len(files))
	for i, f := range files {
		out[i] = fileSource{f}
	}
	return out
}

// Result describes a consolidated tensor.
type Result struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Rows    int    `json:"rows"`
	Shape   []int  `json:"shape"`
	Batches []int  `json:"batches"`
	// Offsets and BatchRows give each batch's first row and row count.
	Offsets   []int `json:"-"`
	BatchRows []int `json:"-"`
}

// Plan is the header pass of a merge: the output shape and where each
// batch lands, computed without loading any data.
type Plan struct {
	sources []Source
	headers []tensor.Header
	elems   int
	Result  *Result
}

// NewPlan reads each source header once. Per-subject shape is taken from
// the first source; leading dimensions are summed.
func NewPlan(sources []Source) (*Plan, error) {
	if len(sources) == 0 {
		return nil, ErrNothingToMerge
	}

	p := &Plan{sources: sources, headers: make([]tensor.Header, len(sources)), Result: &Result{}}
	res := p.Result
	var rowShape []int
	for i, s := range sources {
		h, err := s.Header()
		if err != nil {
			return nil, fmt.Errorf("read batch %d header: %w", s.Index(), err)
		}
		if len(h.Shape) == 0 {
			return nil, fmt.Errorf("%w: batch %d is a scalar", ErrShapeMismatch, s.Index())
		}
		if i == 0 {
			rowShape = h.RowShape()
		} else if !tensor.SameShape(h.RowShape(), rowShape) {
			return nil, fmt.Errorf("%w: batch %d rows are %v, want %v", ErrShapeMismatch, s.Index(), h.RowShape(), rowShape)
		}
		p.headers[i] = h
		res.Offsets = append(res.Offsets, res.Rows)
		res.BatchRows = append(res.BatchRows, h.Rows())
		res.Batches = append(res.Batches, s.Index())
		res.Rows += h.Rows()
		p.elems += h.Len()
	}
	if res.Rows == 0 {
		return nil, ErrNothingToMerge
	}
	res.Shape = append([]int{res.Rows}, rowShape...)
	return p, nil
}

// Sources merges sources in the given order into out.
func Sources(ctx context.Context, sources []Source, out string) (*Result, error) {
	p, err := NewPlan(sources)
	if err != nil {
		return nil, err
	}
	return p.Write(ctx, out)
}

// Write copies every planned batch into a pre-sized memory-mapped temp file
// and renames it over out only once every batch has been copied.
func (p *Plan) Write(ctx context.Context, out string) (res *Result, err error) {
	header := tensor.EncodeHeader(p.Result.Shape)
	size := int64(len(header)) + int64(p.elems)*4

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	var region mmap.MMap
	defer func() {
		if err != nil {
			if region != nil {
				_ = region.Unmap()
			}
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			res = nil
		}
	}()

	if err = tmp.Truncate(size); err != nil {
		return nil, fmt.Errorf("size temp file: %w", err)
	}
	region, err = mmap.Map(tmp, mmap.RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("map temp file: %w", err)
	}

	off := copy(region, header)
	for i, s := range p.sources {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		a, lerr := s.Load()
		if lerr != nil {
			err = fmt.Errorf("load batch %d: %w", s.Index(), lerr)
			return nil, err
		}
		if !tensor.SameShape(a.Shape, p.headers[i].Shape) {
			a.Release()
			err = fmt.Errorf("%w: batch %d changed from %v to %v", ErrShapeMismatch, s.Index(), p.headers[i].Shape, a.Shape)
			return nil, err
		}
		tensor.EncodeFloat32s(region[off:], a.Data)
		off += int(a.ByteLen())
		a.Release()
	}

	if err = region.Flush(); err != nil {
		return nil, fmt.Errorf("flush mapping: %w", err)
	}
	if err = region.Unmap(); err != nil {
		return nil, fmt.Errorf("unmap: %w", err)
	}
	region = nil
	if err = tmp.Chmod(0o644); err != nil {
		return nil, fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, out); err != nil {
		return nil, fmt.Errorf("rename: %w", err)
	}
	res = p.Result
	res.Path = out
	return res, nil
}

// Summary reports a full merge run.
type Summary struct {
	Outputs  []*Result `json:"outputs"`
	Subjects int       `json:"subjects"`
	Index    string    `json:"index,omitempty"`
}

// Merger consolidates the batch artifacts found in the configured data dir.
type Merger struct {
	cfg     *config.Config
	metrics *metrics.PipelineMetrics
	logger  zerolog.Logger
}

// NewMerger returns a merger for cfg.
func NewMerger(cfg *config.Config, m *metrics.PipelineMetrics, logger zerolog.Logger) *Merger {
	return &Merger{cfg: cfg, metrics: m, logger: logger}
}

// OutputPath returns the consolidated tensor path of kind k.
func (m *Merger) OutputPath(k batch.Kind) string {
	if k == batch.KindSignals {
		return filepath.Join(m.cfg.DataDir, m.cfg.Output.Signals)
	}
	return filepath.Join(m.cfg.DataDir, m.cfg.Output.Volumes)
}

// plan lists the batches of kind k and runs the header pass. Volume
// batches are checked against their manifests at the same time.
func (m *Merger) plan(k batch.Kind) (*Plan, []*indexedSource, error) {
	files, err := batch.List(m.cfg.DataDir, k)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("merge %s: %w", k, err)
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("merge %s: %w", k, ErrNothingToMerge)
	}

	sources := FileSources(files)
	var indexed []*indexedSource
	if k == batch.KindVolumes {
		indexed = indexSources(m.cfg.DataDir, sources)
		for i, s := range indexed {
			sources[i] = s
		}
	}
	p, err := NewPlan(sources)
	if err != nil {
		return nil, nil, fmt.Errorf("merge %s: %w", k, err)
	}
	return p, indexed, nil
}

// write publishes a planned merge of kind k.
func (m *Merger) write(ctx context.Context, k batch.Kind, p *Plan) (*Result, error) {
	out := m.OutputPath(k)
	m.logger.Info().Str("kind", string(k)).Int("batches", len(p.sources)).Str("path", out).Msg("merging batches")
	res, err := p.Write(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("merge %s: %w", k, err)
	}
	res.Kind = string(k)

	m.metrics.RecordMerge(string(k), res.Rows)
	m.logger.Info().Str("kind", res.Kind).Int("rows", res.Rows).Ints("shape", res.Shape).Str("path", out).Msg("merge complete")
	metrics.LogMemory(m.logger, m.metrics, "merge "+res.Kind)
	return res, nil
}

// All merges both kinds and writes the index manifests. Both header passes
// run before anything is written; a manifest that disagrees with its volume
// batch aborts the whole merge and leaves earlier outputs untouched. Any
// other failure in one kind does not stop the other; the errors are joined.
func (m *Merger) All(ctx context.Context) (*Summary, error) {
	sum := &Summary{}

	volumes, indexed, verr := m.plan(batch.KindVolumes)
	if errors.Is(verr, ErrManifestMismatch) {
		m.logger.Error().Err(verr).Msg("merge aborted")
		return sum, verr
	}
	signals, _, serr := m.plan(batch.KindSignals)

	var errs []error
	fail := func(k batch.Kind, err error) {
		m.logger.Error().Err(err).Str("kind", string(k)).Msg("merge failed")
		errs = append(errs, err)
	}
	if verr != nil {
		fail(batch.KindVolumes, verr)
	}
	if serr != nil {
		fail(batch.KindSignals, serr)
	}
	if volumes == nil && signals == nil {
		return sum, errors.Join(errs...)
	}

	// an index from an earlier run must not outlive the tensors it describes
	if err := RemoveIndex(m.cfg.DataDir); err != nil {
		return sum, errors.Join(append(errs, err)...)
	}

	plans := []struct {
		kind batch.Kind
		plan *Plan
	}{{batch.KindVolumes, volumes}, {batch.KindSignals, signals}}
	var merged *Result
	for _, pk := range plans {
		k := pk.kind
		if pk.plan == nil {
			continue
		}
		res, err := m.write(ctx, k, pk.plan)
		if err != nil {
			fail(k, err)
			continue
		}
		sum.Outputs = append(sum.Outputs, res)
		if k == batch.KindVolumes {
			merged = res
		}
	}

	if merged != nil {
		subjects := collectSubjects(indexed)
		path := filepath.Join(m.cfg.DataDir, IndexFile)
		err := WriteIndex(m.cfg.DataDir, subjects, indexFilename(m.cfg.Volume.RelativePath))
		if err == nil {
			err = verifyIndex(path, merged.Rows)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("write index: %w", err))
		} else {
			sum.Subjects = len(subjects)
			sum.Index = path
			m.logger.Info().Int("subjects", len(subjects)).Str("path", sum.Index).Msg("index written")
		}
	}
	return sum, errors.Join(errs...)
}

package ingest

import (
	"fmt"

	"github.com/hcptensor/hcptensor/internal/volume"
)

// Reducer downsamples a volume in place.
type Reducer struct {
	Stride int
	Bound  int
}

// Reduce replaces the volume at path with its spatially subsampled version.
// It refuses input that is already within bound, and output that still is
// not, so a volume can only ever be reduced once. The replacement is atomic:
// an interrupted call leaves the original file. Write failures are ErrLocalFS.
func (r Reducer) Reduce(path string) error {
	v, err := volume.Read(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if volume.WithinBound(v.SpatialShape(), r.Bound) {
		return fmt.Errorf("%w: %s has shape %v", ErrAlreadyReduced, path, v.Shape)
	}

	d := volume.Downsample(v, r.Stride)
	if !volume.WithinBound(d.SpatialShape(), r.Bound) {
		return fmt.Errorf("%w: %s reduces to %v", ErrStillLarge, path, d.Shape)
	}
	if err := volume.Write(path, d); err != nil {
		return fmt.Errorf("%w: write reduced %s: %v", ErrLocalFS, path, err)
	}
	return nil
}

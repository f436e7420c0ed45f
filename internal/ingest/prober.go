package ingest

import (
	"errors"
	"fmt"
	"os"

	"github.com/hcptensor/hcptensor/internal/volume"
)

// Prober decides from the local file alone whether a subject needs work.
type Prober struct {
	// Bound is the largest spatial axis a reduced volume may have.
	Bound int
}

// Probe classifies the file at path. Only the header is decoded. A file that
// exists but cannot be decoded is reported as CompletionMissing together
// with the decode error; that error is never fatal.
func (p Prober) Probe(path string) (Completion, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CompletionMissing, nil
		}
		return CompletionMissing, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Size() == 0 {
		return CompletionMissing, nil
	}

	h, err := volume.ReadHeader(path)
	if err != nil {
		return CompletionMissing, fmt.Errorf("decode %s: %w", path, err)
	}
	if volume.WithinBound(h.SpatialShape(), p.Bound) {
		return CompletionPresentSmall, nil
	}
	return CompletionPresentLarge, nil
}

package batch

import (
	"fmt"
	"os"

	"github.com/hcptensor/hcptensor/internal/tensor"
)

// Persist writes batch b under dir as batch_4d_<n>.npy, batch_schaefer_<n>.npy
// and batch_subjects_<n>.json, where n is b.Number. Each file is replaced
// atomically. A batch with no subjects writes nothing and returns
// ErrEmptyBatch.
func Persist(dir string, b *Batch) error {
	if len(b.Subjects) == 0 {
		return ErrEmptyBatch
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create batch dir: %w", err)
	}
	if err := tensor.WriteStacked(Path(dir, KindVolumes, b.Number), b.Volumes); err != nil {
		return fmt.Errorf("write batch %d volumes: %w", b.Number, err)
	}
	if err := tensor.WriteStacked(Path(dir, KindSignals, b.Number), b.Signals); err != nil {
		return fmt.Errorf("write batch %d signals: %w", b.Number, err)
	}
	if err := WriteManifest(ManifestPath(dir, b.Number), Manifest{Batch: b.Number, Subjects: b.Subjects}); err != nil {
		return fmt.Errorf("write batch %d manifest: %w", b.Number, err)
	}
	return nil
}

// Package testutil provides shared test utilities for hcptensor tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hcptensor/hcptensor/internal/volume"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "hcptensor-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// Volume builds a 4-D volume whose voxel (x, y, z, t) holds fill(x, y, z, t).
// A nil fill leaves zeros.
func Volume(shape [4]int, fill func(x, y, z, t int) float32) *volume.Volume {
	v := volume.New(shape[:])
	if fill == nil {
		return v
	}
	for x := 0; x < shape[0]; x++ {
		for y := 0; y < shape[1]; y++ {
			for z := 0; z < shape[2]; z++ {
				for t := 0; t < shape[3]; t++ {
					v.Data[v.Index(x, y, z, t)] = fill(x, y, z, t)
				}
			}
		}
	}
	return v
}

// WriteVolume writes v to path, creating parent directories.
func WriteVolume(t *testing.T, path string, v *volume.Volume) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create volume dir: %v", err)
	}
	if err := volume.Write(path, v); err != nil {
		t.Fatalf("failed to write volume: %v", err)
	}
}

// VolumeBytes encodes v the way Write would and returns the file contents.
func VolumeBytes(t *testing.T, v *volume.Volume, name string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := volume.Write(path, v); err != nil {
		t.Fatalf("failed to write volume: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read volume: %v", err)
	}
	return data
}

// WriteAtlas writes a 3-D label image on shape where voxel (x, y, z) belongs
// to region x%regions+1.
func WriteAtlas(t *testing.T, path string, shape [3]int, regions int) {
	t.Helper()
	v := volume.New(shape[:])
	for x := 0; x < shape[0]; x++ {
		for y := 0; y < shape[1]; y++ {
			for z := 0; z < shape[2]; z++ {
				v.Data[v.Index(x, y, z, 0)] = float32(x%regions + 1)
			}
		}
	}
	WriteVolume(t, path, v)
}

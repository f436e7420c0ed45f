package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Kind names one of the two artifact families a batch produces.
type Kind string

// Artifact kinds.
const (
	KindVolumes Kind = "4d"
	KindSignals Kind = "schaefer"
)

const (
	npyExt         = ".npy"
	manifestPrefix = "batch_subjects_"
	manifestExt    = ".json"
)

func (k Kind) prefix() string {
	return "batch_" + string(k) + "_"
}

// Path returns the artifact path of batch n.
func Path(dir string, k Kind, n int) string {
	return filepath.Join(dir, k.prefix()+strconv.Itoa(n)+npyExt)
}

// ManifestPath returns the path of batch n's subject list.
func ManifestPath(dir string, n int) string {
	return filepath.Join(dir, manifestPrefix+strconv.Itoa(n)+manifestExt)
}

// File is one batch artifact found on disk.
type File struct {
	Index int
	Path  string
}

// List returns the artifacts of kind k in dir sorted by numeric batch index.
// Names whose index is not a number are ignored.
func List(dir string, k Kind) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read batch dir: %w", err)
	}
	var files []File
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, k.prefix()) || !strings.HasSuffix(name, npyExt) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, k.prefix()), npyExt))
		if err != nil || n < 1 {
			continue
		}
		files = append(files, File{Index: n, Path: filepath.Join(dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Index < files[j].Index })
	return files, nil
}

// Clear removes every batch artifact and manifest in dir. A missing dir is
// not an error.
func Clear(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read batch dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isBatchArtifact(name) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}

func isBatchArtifact(name string) bool {
	for _, k := range []Kind{KindVolumes, KindSignals} {
		if strings.HasPrefix(name, k.prefix()) && strings.HasSuffix(name, npyExt) {
			return true
		}
	}
	return strings.HasPrefix(name, manifestPrefix) && strings.HasSuffix(name, manifestExt)
}

// Manifest records which subjects a batch holds, in row order.
type Manifest struct {
	Batch    int      `json:"batch"`
	Subjects []string `json:"subjects"`
}

// WriteManifest stores m atomically.
func WriteManifest(path string, m Manifest) (err error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return writeFileAtomic(path, data)
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// writeFileAtomic writes data to a sibling temp file and renames it over path.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hcptensor/hcptensor/internal/batch"
	"github.com/hcptensor/hcptensor/internal/tensor"
)

// Index manifest names, written next to the consolidated tensors.
const (
	IndexFile  = "index_to_name.json"
	LabelsFile = "imageID_to_labels.json"
)

// Entry describes one row of the consolidated tensors.
type Entry struct {
	Filename  string `json:"filename"`
	SubjectID string `json:"subject_id"`
	Date      string `json:"date"`
	ImageID   string `json:"image_id"`
}

// indexedSource checks a volume batch against its manifest while its header
// is read, so a mismatch is found before anything is written.
type indexedSource struct {
	Source
	dir      string
	subjects []string
}

func indexSources(dir string, sources []Source) []*indexedSource {
	out := make([]*indexedSource, len(sources))
	for i, s := range sources {
		out[i] = &indexedSource{Source: s, dir: dir}
	}
	return out
}

func (s *indexedSource) Header() (tensor.Header, error) {
	h, err := s.Source.Header()
	if err != nil {
		return h, err
	}
	n := s.Index()
	m, err := batch.ReadManifest(batch.ManifestPath(s.dir, n))
	if err != nil {
		return h, fmt.Errorf("%w: batch %d: %v", ErrManifestMismatch, n, err)
	}
	if len(m.Subjects) != h.Rows() {
		return h, fmt.Errorf("%w: batch %d lists %d subjects, has %d rows", ErrManifestMismatch, n, len(m.Subjects), h.Rows())
	}
	s.subjects = m.Subjects
	return h, nil
}

// collectSubjects concatenates the checked manifests in merge order.
func collectSubjects(sources []*indexedSource) []string {
	var subjects []string
	for _, s := range sources {
		subjects = append(subjects, s.subjects...)
	}
	return subjects
}

// WriteIndex writes index_to_name.json and imageID_to_labels.json for the
// given row order. Labels are left empty.
func WriteIndex(dir string, subjects []string, filename string) error {
	index := make(map[string]Entry, len(subjects))
	labels := make(map[string]struct{}, len(subjects))
	for i, id := range subjects {
		index[strconv.Itoa(i)] = Entry{Filename: filename, SubjectID: id, Date: "N/A", ImageID: id}
		labels[id] = struct{}{}
	}
	if err := writeJSON(filepath.Join(dir, IndexFile), index); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, LabelsFile), labels)
}

// RemoveIndex deletes the index manifests in dir, if any.
func RemoveIndex(dir string) error {
	for _, name := range []string{IndexFile, LabelsFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}

// ReadIndex loads an index_to_name.json file.
func ReadIndex(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var index map[string]Entry
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return index, nil
}

// verifyIndex rereads the written index and checks it covers rows entries.
func verifyIndex(path string, rows int) error {
	index, err := ReadIndex(path)
	if err != nil {
		return err
	}
	if len(index) != rows {
		return fmt.Errorf("%w: index has %d entries, tensor has %d rows", ErrManifestMismatch, len(index), rows)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// indexFilename is the volume file name with its last extension removed,
// e.g. rest.nii.gz becomes rest.nii.
func indexFilename(rel string) string {
	base := filepath.Base(rel)
	if i := strings.LastIndex(base, "."); i > 0 {
		return base[:i]
	}
	return base
}

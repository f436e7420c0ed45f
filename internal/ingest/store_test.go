package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hcptensor/hcptensor/internal/catalog"
)

var errConnReset = errors.New("connection reset by peer")

// memStore is an in-memory catalog.Store that counts requests and can
// break response bodies or fail GETs.
type memStore struct {
	mu       sync.Mutex
	prefixes []string
	objects  map[string][]byte
	// breaks is how many upcoming GETs of a key stop halfway.
	breaks map[string]int
	// getErr fails every GET of a key.
	getErr map[string]error
	gets   map[string]int
	heads  int
}

var _ catalog.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		objects: make(map[string][]byte),
		breaks:  make(map[string]int),
		getErr:  make(map[string]error),
		gets:    make(map[string]int),
	}
}

func (m *memStore) ListPrefixes(_ context.Context, _ string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prefixes...), nil
}

func (m *memStore) Head(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads++
	data, ok := m.objects[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", catalog.ErrNotFound, key)
	}
	return int64(len(data)), nil
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets[key]++
	if err := m.getErr[key]; err != nil {
		return nil, err
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, key)
	}
	if m.breaks[key] > 0 {
		m.breaks[key]--
		return io.NopCloser(io.MultiReader(bytes.NewReader(data[:len(data)/2]), errReader{errConnReset})), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) totalGets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.gets {
		n += c
	}
	return n
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

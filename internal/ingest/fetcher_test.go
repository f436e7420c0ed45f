package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(store *memStore, attempts int) *Fetcher {
	return &Fetcher{
		Store:          store,
		StreamAttempts: attempts,
		NewBackOff:     func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

func TestFetchDownloadsAtomically(t *testing.T) {
	store := newMemStore()
	store.objects["root/1/v.nii"] = []byte("0123456789")
	path := filepath.Join(t.TempDir(), "subject_1", "v.nii")

	res, err := newTestFetcher(store, 1).Fetch(context.Background(), "root/1/v.nii", path)
	require.NoError(t, err)
	assert.Equal(t, StatusDownloaded, res.Status)
	assert.Equal(t, int64(10), res.Bytes)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
	assert.NoFileExists(t, path+PartSuffix)
}

func TestFetchExistingMakesNoRequests(t *testing.T) {
	store := newMemStore()
	path := filepath.Join(t.TempDir(), "v.nii")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))

	res, err := newTestFetcher(store, 1).Fetch(context.Background(), "root/1/v.nii", path)
	require.NoError(t, err)
	assert.Equal(t, StatusExists, res.Status)
	assert.Zero(t, store.heads)
	assert.Zero(t, store.totalGets())
}

func TestFetchEmptyTargetIsRefetched(t *testing.T) {
	store := newMemStore()
	store.objects["k"] = []byte("abc")
	path := filepath.Join(t.TempDir(), "v.nii")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	res, err := newTestFetcher(store, 1).Fetch(context.Background(), "k", path)
	require.NoError(t, err)
	assert.Equal(t, StatusDownloaded, res.Status)
}

func TestFetchMissing(t *testing.T) {
	store := newMemStore()
	path := filepath.Join(t.TempDir(), "v.nii")

	res, err := newTestFetcher(store, 1).Fetch(context.Background(), "nope", path)
	require.NoError(t, err)
	assert.Equal(t, StatusMissing, res.Status)
	assert.NoFileExists(t, path)
	assert.Zero(t, store.totalGets(), "not-found from HEAD needs no GET")
}

func TestFetchMidStreamFailureLeavesNothing(t *testing.T) {
	store := newMemStore()
	store.objects["k"] = []byte("0123456789")
	store.breaks["k"] = 5
	dir := t.TempDir()
	path := filepath.Join(dir, "v.nii")

	res, err := newTestFetcher(store, 2).Fetch(context.Background(), "k", path)
	require.NoError(t, err, "a broken transfer is not fatal")
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, errConnReset)
	assert.Equal(t, 2, store.gets["k"])

	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+PartSuffix)
}

func TestFetchRetriesBrokenStream(t *testing.T) {
	store := newMemStore()
	store.objects["k"] = []byte("0123456789")
	store.breaks["k"] = 1
	path := filepath.Join(t.TempDir(), "v.nii")

	res, err := newTestFetcher(store, 3).Fetch(context.Background(), "k", path)
	require.NoError(t, err)
	assert.Equal(t, StatusDownloaded, res.Status)
	assert.Equal(t, 2, store.gets["k"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestFetchGetErrorIsNotRetried(t *testing.T) {
	store := newMemStore()
	store.objects["k"] = []byte("abc")
	store.getErr["k"] = errors.New("403 forbidden")
	path := filepath.Join(t.TempDir(), "v.nii")

	res, err := newTestFetcher(store, 3).Fetch(context.Background(), "k", path)
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, 1, store.gets["k"])
}

func TestFetchRemovesStalePart(t *testing.T) {
	store := newMemStore()
	store.objects["k"] = []byte("new")
	path := filepath.Join(t.TempDir(), "v.nii")
	require.NoError(t, os.WriteFile(path+PartSuffix, []byte("stale data from a crash"), 0o644))

	res, err := newTestFetcher(store, 1).Fetch(context.Background(), "k", path)
	require.NoError(t, err)
	assert.Equal(t, StatusDownloaded, res.Status)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.NoFileExists(t, path+PartSuffix)
}

func TestFetchDryRun(t *testing.T) {
	store := newMemStore()
	store.objects["k"] = []byte("abcd")
	path := filepath.Join(t.TempDir(), "v.nii")
	f := newTestFetcher(store, 1)
	f.DryRun = true

	res, err := f.Fetch(context.Background(), "k", path)
	require.NoError(t, err)
	assert.Equal(t, StatusPlanned, res.Status)
	assert.Equal(t, int64(4), res.Bytes)
	assert.NoFileExists(t, path)
	assert.Zero(t, store.totalGets())
}

func TestFetchInsufficientSpaceIsFatal(t *testing.T) {
	store := newMemStore()
	store.objects["k"] = make([]byte, 100)
	path := filepath.Join(t.TempDir(), "v.nii")
	f := newTestFetcher(store, 1)
	f.MinFreeSpace = 50
	f.FreeSpace = func(string) (int64, error) { return 120, nil }

	_, err := f.Fetch(context.Background(), "k", path)
	assert.ErrorIs(t, err, ErrInsufficientSpace)
	assert.True(t, IsFatal(err))
	assert.Zero(t, store.totalGets())

	f.FreeSpace = func(string) (int64, error) { return 150, nil }
	res, err := f.Fetch(context.Background(), "k", path)
	require.NoError(t, err)
	assert.Equal(t, StatusDownloaded, res.Status)
}

func TestFetchLocalFilesystemErrorIsFatal(t *testing.T) {
	store := newMemStore()
	store.objects["k"] = []byte("abc")
	dir := t.TempDir()
	blocker := filepath.Join(dir, "subject_1")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := newTestFetcher(store, 1).Fetch(context.Background(), "k", filepath.Join(blocker, "v.nii"))
	assert.ErrorIs(t, err, ErrLocalFS)
}

func TestFetchCancelled(t *testing.T) {
	store := newMemStore()
	store.objects["k"] = []byte("0123456789")
	store.breaks["k"] = 10
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(store, 5)
	_, err := f.Fetch(ctx, "k", filepath.Join(t.TempDir(), "v.nii"))
	assert.ErrorIs(t, err, context.Canceled)
}

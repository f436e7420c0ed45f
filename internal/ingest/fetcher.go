package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/hcptensor/hcptensor/internal/catalog"
	"github.com/hcptensor/hcptensor/pkg/bytesize"
)

// PartSuffix is appended to a target path while its transfer is in flight.
const PartSuffix = ".part"

// FetchResult is the outcome of one Fetch call.
type FetchResult struct {
	Status Status
	Bytes  int64
	Err    error // Set for StatusError
}

// Fetcher transfers single objects to local paths.
type Fetcher struct {
	Store catalog.Store
	// DryRun stops after deciding whether a transfer is needed.
	DryRun bool
	// MinFreeSpace is the space that must remain after a transfer. Zero
	// disables the check.
	MinFreeSpace int64
	// StreamAttempts bounds how many GETs are issued when a body breaks
	// off mid-stream. Request-level retries belong to the transport.
	StreamAttempts int
	// NewBackOff paces stream re-attempts. Defaults to exponential.
	NewBackOff func() backoff.BackOff
	// FreeSpace reports available bytes on the volume holding a directory.
	// Defaults to VolumeStats.
	FreeSpace func(dir string) (int64, error)
	// Logger receives transfer progress. The zero value discards it.
	Logger zerolog.Logger
}

// Fetch makes sure a non-empty copy of key exists at path. A non-empty file
// already at path is left alone and no request is made. Otherwise the object
// is streamed to path+PartSuffix and renamed over path once complete, so path
// only ever holds a whole object.
//
// Per-object failures are reported through the result. The returned error is
// reserved for fatal conditions (local filesystem, free space, cancellation).
func (f *Fetcher) Fetch(ctx context.Context, key, path string) (FetchResult, error) {
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return FetchResult{Status: StatusExists}, nil
	}

	hint, err := f.Store.Head(ctx, key)
	if err != nil {
		if catalog.IsNotFound(err) {
			return FetchResult{Status: StatusMissing}, nil
		}
		if ctx.Err() != nil {
			return FetchResult{Status: StatusError, Err: err}, ctx.Err()
		}
		f.Logger.Debug().Err(err).Str("key", key).Msg("size hint unavailable")
		hint = 0
	}

	if f.DryRun {
		return FetchResult{Status: StatusPlanned, Bytes: hint}, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return FetchResult{Status: StatusError, Err: err}, fmt.Errorf("%w: %v", ErrLocalFS, err)
	}
	if err := f.checkSpace(dir, hint); err != nil {
		return FetchResult{Status: StatusError, Err: err}, err
	}

	part := path + PartSuffix
	if err := os.Remove(part); err != nil && !errors.Is(err, os.ErrNotExist) {
		return FetchResult{Status: StatusError, Err: err}, fmt.Errorf("%w: remove stale %s: %v", ErrLocalFS, part, err)
	}

	var written int64
	attempts := f.StreamAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(f.backOff(), uint64(attempts-1)), ctx)
	err = backoff.Retry(func() error {
		n, err := f.transfer(ctx, key, part, hint)
		written = n
		return err
	}, policy)
	if err != nil {
		_ = os.Remove(part)
		switch {
		case IsFatal(err):
			return FetchResult{Status: StatusError, Err: err}, err
		case ctx.Err() != nil:
			return FetchResult{Status: StatusError, Err: err}, ctx.Err()
		case catalog.IsNotFound(err):
			return FetchResult{Status: StatusMissing}, nil
		default:
			return FetchResult{Status: StatusError, Err: err}, nil
		}
	}

	if err := os.Rename(part, path); err != nil {
		_ = os.Remove(part)
		return FetchResult{Status: StatusError, Err: err}, fmt.Errorf("%w: rename %s: %v", ErrLocalFS, part, err)
	}
	return FetchResult{Status: StatusDownloaded, Bytes: written}, nil
}

// transfer performs one GET into part. Errors that another GET cannot fix
// are wrapped with backoff.Permanent.
func (f *Fetcher) transfer(ctx context.Context, key, part string, hint int64) (int64, error) {
	body, err := f.Store.Get(ctx, key)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	defer func() { _ = body.Close() }()

	out, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("%w: %v", ErrLocalFS, err))
	}

	start := time.Now()
	n, err := io.Copy(localWriter{out}, body)
	if err != nil {
		_ = out.Close()
		if errors.Is(err, ErrLocalFS) {
			return n, backoff.Permanent(err)
		}
		f.Logger.Warn().Err(err).Str("key", key).Int64("bytes", n).Msg("transfer interrupted")
		return n, fmt.Errorf("read %s: %w", key, err)
	}
	if hint > 0 && n != hint {
		_ = out.Close()
		return n, fmt.Errorf("%w: %s: got %d of %d bytes", ErrShortRead, key, n, hint)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return n, backoff.Permanent(fmt.Errorf("%w: sync %s: %v", ErrLocalFS, part, err))
	}
	if err := out.Close(); err != nil {
		return n, backoff.Permanent(fmt.Errorf("%w: close %s: %v", ErrLocalFS, part, err))
	}

	elapsed := time.Since(start)
	f.Logger.Debug().
		Str("key", key).
		Str("bytes", bytesize.Format(n)).
		Str("rate", bytesize.FormatRate(float64(n)/max(elapsed.Seconds(), 1e-3))).
		Msg("transfer complete")
	return n, nil
}

func (f *Fetcher) checkSpace(dir string, hint int64) error {
	if f.MinFreeSpace <= 0 {
		return nil
	}
	free := f.FreeSpace
	if free == nil {
		free = func(dir string) (int64, error) {
			_, _, available, err := VolumeStats(dir)
			return available, err
		}
	}
	available, err := free(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocalFS, err)
	}
	if available < hint+f.MinFreeSpace {
		return fmt.Errorf("%w: %s available, need %s plus %s reserve", ErrInsufficientSpace,
			bytesize.Format(available), bytesize.Format(hint), bytesize.Format(f.MinFreeSpace))
	}
	return nil
}

func (f *Fetcher) backOff() backoff.BackOff {
	if f.NewBackOff != nil {
		return f.NewBackOff()
	}
	return backoff.NewExponentialBackOff()
}

// localWriter tags write failures so they can be told apart from errors
// reading the response body.
type localWriter struct {
	w io.Writer
}

func (lw localWriter) Write(p []byte) (int, error) {
	n, err := lw.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrLocalFS, err)
	}
	return n, nil
}

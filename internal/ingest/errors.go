package ingest

import (
	"context"
	"errors"
)

// Ingest error types.
var (
	// ErrLocalFS marks local filesystem failures. They abort the run.
	ErrLocalFS = errors.New("local filesystem error")
	// ErrInsufficientSpace is returned when the free-space guard trips.
	ErrInsufficientSpace = errors.New("insufficient free space")
	// ErrShortRead is returned when a transfer ends before the advertised size.
	ErrShortRead = errors.New("transfer ended early")
	// ErrAlreadyReduced guards against reducing a volume twice.
	ErrAlreadyReduced = errors.New("volume is already reduced")
	// ErrStillLarge is returned when one reduction does not bring a volume
	// within bound. The file is left untouched.
	ErrStillLarge = errors.New("volume exceeds bound after reduction")
)

// IsFatal reports whether err must stop the whole run rather than be
// recorded against one subject.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLocalFS) ||
		errors.Is(err, ErrInsufficientSpace) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

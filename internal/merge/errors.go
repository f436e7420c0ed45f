package merge

import "errors"

// Merge error types.
var (
	// ErrNothingToMerge is returned when no batch artifact of a kind exists.
	ErrNothingToMerge = errors.New("nothing to merge")
	// ErrShapeMismatch marks a batch whose per-subject shape differs from the
	// first batch of the same kind.
	ErrShapeMismatch = errors.New("batch shape mismatch")
	// ErrManifestMismatch marks a batch manifest whose subject count differs
	// from the batch's leading dimension.
	ErrManifestMismatch = errors.New("batch manifest does not match batch rows")
)

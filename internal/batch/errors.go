package batch

import "errors"

// Batch error types.
var (
	// ErrShapeMismatch marks a volume whose shape is not the expected one.
	ErrShapeMismatch = errors.New("unexpected volume shape")
	// ErrEmptyBatch is returned when persisting a batch with no valid subjects.
	ErrEmptyBatch = errors.New("batch has no valid subjects")
)

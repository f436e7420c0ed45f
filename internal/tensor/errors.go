package tensor

import "errors"

// Tensor file error types.
var (
	ErrNotNPY        = errors.New("not an .npy file")
	ErrUnsupported   = errors.New("unsupported .npy layout")
	ErrTruncated     = errors.New("truncated .npy data")
	ErrShapeMismatch = errors.New("shape mismatch")
)

package volume

import "errors"

// Volume error types.
var (
	ErrNotNIfTI    = errors.New("not a NIfTI-1 file")
	ErrUnsupported = errors.New("unsupported NIfTI layout")
	ErrTruncated   = errors.New("truncated voxel data")
)

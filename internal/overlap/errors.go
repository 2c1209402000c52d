package overlap

import "errors"

var (
	ErrNotFound        = errors.New("overlap: not found")
	ErrInvalidGeometry = errors.New("overlap: invalid geometry")
)

package coordinator

import "errors"

var (
	ErrSurfaceNotFound = errors.New("coordinator: surface not found")
	// ErrDuplicateSingleton is returned when a second coordinator is attached
	// to a server that already owns one.
	ErrDuplicateSingleton = errors.New("coordinator: coordinator already attached")
)

package socketproxy

import "errors"

var (
	ErrNotFound      = errors.New("socketproxy: no session for user")
	ErrEmptyUsername = errors.New("socketproxy: username must not be empty")
	ErrNilEndpoint   = errors.New("socketproxy: endpoint must not be nil")
)

package hybridqa

import "errors"

var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("hybridqa: invalid configuration")

	// ErrUnsupportedBackend is returned for an unknown graph store backend.
	ErrUnsupportedBackend = errors.New("hybridqa: unsupported backend")

	// ErrNotBuilt is returned when the graph or its schema has not been built.
	ErrNotBuilt = errors.New("hybridqa: graph not built")

	// ErrInvalidSession is returned for an empty session id.
	ErrInvalidSession = errors.New("hybridqa: invalid session id")

	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("hybridqa: empty message")

	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errors.New("hybridqa: engine is closed")
)

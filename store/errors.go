package store

import "errors"

var (
	// ErrQuerySyntax is returned when the store rejects a query as
	// malformed, references unknown tables or columns, or tries to write.
	ErrQuerySyntax = errors.New("store: query rejected")

	// ErrQueryTimeout is returned when a query exceeds its deadline.
	ErrQueryTimeout = errors.New("store: query timed out")

	// ErrUnavailable is returned when the database cannot be reached.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrReadOnly is returned by write methods on a read-only store.
	ErrReadOnly = errors.New("store: opened read-only")

	// ErrAlreadyBuilt is returned when writing to a graph that already
	// holds data.
	ErrAlreadyBuilt = errors.New("store: graph already built")

	// ErrNotBuilt is returned when no schema artifact exists.
	ErrNotBuilt = errors.New("store: graph not built")

	// ErrDimensionMismatch is returned when a vector does not match the
	// configured embedding dimension.
	ErrDimensionMismatch = errors.New("store: embedding dimension mismatch")
)

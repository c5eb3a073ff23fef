package storage

import "errors"

var (
	// ErrUnavailable means the vector store could not be reached within
	// the connection timeout. Callers must treat it as a first-class
	// outcome and fall back to keyword search, not as an exception path.
	ErrUnavailable = errors.New("vector store unavailable")

	// ErrDimensionMismatch means an embedding's dimension does not match
	// the collection's configured dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

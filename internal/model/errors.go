package model

import "errors"

// Sentinel errors shared across stores. Callers test with errors.Is; store
// implementations wrap them with context via eris so the chain is preserved.
var (
	// ErrInvalidInput marks a request rejected before any write.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks a lookup for an unknown artifact, discovery, or policy.
	ErrNotFound = errors.New("not found")
)

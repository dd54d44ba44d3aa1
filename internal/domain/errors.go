package domain

import "errors"

// Sentinel errors used across the engine. Callers wrap these with %w and
// classify failures via errors.Is.
var (
	// ErrFormat marks an upload that could not be decoded as CSV at all.
	ErrFormat = errors.New("format error")

	// ErrValidation marks structurally parseable but semantically invalid input.
	ErrValidation = errors.New("validation error")

	// ErrCapacity marks an upload exceeding the batch row limit.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrNotFound marks missing or expired batch state.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an operation that is already in flight for a batch.
	ErrConflict = errors.New("conflict")
)

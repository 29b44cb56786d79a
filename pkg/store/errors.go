package store

import "errors"

var (
	// ErrNotFound is returned when no session exists for a call id.
	ErrNotFound = errors.New("session not found")

	// ErrVersionConflict is returned when a conditional write loses to a concurrent writer.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("session store unavailable")

	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt session record")
)

package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrVersionConflict is returned when an optimistic-concurrency check
	// fails: the row moved past the caller's expected version.
	ErrVersionConflict = errors.New("storage: version conflict")
)

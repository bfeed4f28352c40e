package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert collides on a unique key.
	ErrDuplicate = errors.New("duplicate record")

	// ErrCentroidConflict is returned when an optimistic centroid
	// update loses every retry.
	ErrCentroidConflict = errors.New("centroid update conflict")
)

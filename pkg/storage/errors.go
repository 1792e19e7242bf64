package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when a uniqueness constraint is violated.
	ErrAlreadyExists = errors.New("record already exists")
)

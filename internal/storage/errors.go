package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("storage: invalid input")
)

package repository

import "errors"

// Common repository errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("record already exists")
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict is returned when a compare-and-swap update finds the row in an unexpected state
	ErrConflict = errors.New("record state changed")
)

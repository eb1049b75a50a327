package storage

import "errors"

var (
	// ErrNotFound is returned when a requested key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded is returned when a write would exceed the store quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

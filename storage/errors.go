package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist (or is no longer active).
	ErrNotFound = errors.New("object does not exist")

	// ErrConflict is returned when a unique insert collides with an existing record.
	ErrConflict = errors.New("object already exists")

	// ErrInvalidClientCredentials is returned when a client secret does not match.
	ErrInvalidClientCredentials = errors.New("invalid client credentials")
)

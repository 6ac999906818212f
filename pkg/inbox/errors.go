package inbox

import "errors"

var (
	// ErrNotFound is returned when no delivery row exists for the
	// (user, notification) pair.
	ErrNotFound = errors.New("inbox item not found")
	// ErrInvalidUser is returned for a blank user id.
	ErrInvalidUser = errors.New("user id is required")
)

package provider

import "errors"

var (
	// ErrSendFailed wraps transport-level and HTTP-level delivery failures.
	ErrSendFailed = errors.New("provider send failed")

	// ErrMalformedResponse is returned when the provider answers with a
	// body that cannot be interpreted.
	ErrMalformedResponse = errors.New("malformed provider response")
)

package core

import "errors"

// Error taxonomy shared by every component. Handlers translate these to
// HTTP status codes at the edge; internal callers branch with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidState     = errors.New("invalid state")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrUnavailable      = errors.New("unavailable")
	ErrMalformedPayload = errors.New("malformed payload")
)

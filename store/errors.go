package store

import "errors"

// Sentinel errors for the Store Engine's precondition and status taxonomy
// (spec §7). The engine returns each one wrapped, alongside a Response
// that already carries the matching HTTP status, so callers can
// errors.Is the outcome while the transport renders Response.Status. Any
// other error comes back with a zero-status Response, propagates
// opaquely, and is treated as a storage failure.
var (
	// ErrNotFound covers both "no such resource" and "remote_user mismatch" —
	// the two collapse to the same status so callers cannot probe for the
	// existence of resources they do not own.
	ErrNotFound = errors.New("store: not found")

	// ErrGone marks a read or write against a tombstoned resource.
	ErrGone = errors.New("store: gone")

	// ErrPreconditionFailed marks an etag mismatch on PUT/DELETE.
	ErrPreconditionFailed = errors.New("store: precondition failed")

	// ErrUnprocessable marks malformed JSON or a schema validation failure.
	ErrUnprocessable = errors.New("store: unprocessable")

	// ErrInvalidEntity marks an unknown collection/entity type.
	ErrInvalidEntity = errors.New("store: invalid entity type")

	// ErrBadRequest marks a missing required option (json body, etag).
	ErrBadRequest = errors.New("store: bad request")

	// ErrMethodNotAllowed marks a URI kind / HTTP verb mismatch.
	ErrMethodNotAllowed = errors.New("store: method not allowed")
)

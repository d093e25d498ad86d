// Package serving implements the cache-first, database-fallback read path,
// the point-in-time-correct batch read, and the idempotent write path that
// together make up the feature store's serving engine.
package serving

import (
	"errors"
	"fmt"
)

// Kind classifies a serving error onto the HTTP status mapping the API
// layer applies: ValidationError/AuthError/NotFound are client errors,
// CacheDegraded/CorruptCacheEntry never reach the client (logged only),
// StoreUnavailable/RegistryUnavailable/WriteFailed are surfaced as 503 or
// propagated depending on whether the cache already covered the request.
type Kind int

const (
	// KindUnexpected is the catch-all for anything not otherwise classified.
	KindUnexpected Kind = iota
	// KindValidation indicates a malformed request (400).
	KindValidation
	// KindNotFound indicates a metadata lookup (registry) found nothing (404).
	KindNotFound
	// KindStoreUnavailable indicates the durable store could not be reached.
	KindStoreUnavailable
	// KindRegistryUnavailable indicates the registry could not be reached.
	KindRegistryUnavailable
	// KindWriteFailed indicates a write batch could not be committed.
	KindWriteFailed
)

// Error is the error type every serving.Engine method returns, carrying
// enough structure for the API layer to pick an HTTP status without string
// matching.
type Error struct {
	Kind  Kind
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("serving error (%v)", e.Kind)
	}

	return fmt.Sprintf("serving error (%v): %v", e.Kind, e.Cause)
}

// Unwrap enables errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// newError constructs a serving.Error of the given kind wrapping cause.
func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// ErrValidation is returned (wrapped in an Error) for malformed requests.
var ErrValidation = errors.New("invalid request")

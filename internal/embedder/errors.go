package embedder

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned by the Adapter when the provider returns
// vectors of a different dimension than the one pinned at the first
// successful call. Dimension changes mid-process would corrupt every loaded
// index, so this is fatal for the ingestion or query that observed it.
var ErrDimensionMismatch = errors.New("embedder: embedding dimension mismatch")

// StatusError reports a non-2xx HTTP response from an embedding provider.
// The Adapter uses the status code to decide whether a retry is worthwhile.
type StatusError struct {
	// Code is the HTTP status code returned by the provider.
	Code int
	// Message is the provider's error message, if any.
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d", e.Code)
}

// Transient reports whether the failure is worth retrying: rate limiting
// (429) and server-side errors (5xx) are transient, other client errors are
// not.
func (e *StatusError) Transient() bool {
	return e.Code == 429 || e.Code >= 500
}

package engine

import (
	"errors"
	"fmt"
)

// Kind classifies every error the engine facade surfaces. Wire names are
// stable: the HTTP layer and CLI report them verbatim.
type Kind string

const (
	// KindInvalidArgument reports an empty query, a bad mode, or negative
	// configuration.
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	// KindDisabled reports a query while the engine is disabled.
	KindDisabled Kind = "DISABLED"
	// KindNoActiveKB reports a single-mode query with no active knowledge base.
	KindNoActiveKB Kind = "NO_ACTIVE_KB"
	// KindNoKBLoaded reports a multi-mode query with an empty registry.
	KindNoKBLoaded Kind = "NO_KB_LOADED"
	// KindNoRelevantContent reports a search that completed with nothing
	// above the relevance threshold.
	KindNoRelevantContent Kind = "NO_RELEVANT_CONTENT"
	// KindNotFound reports a switch or remove targeting an unknown name.
	KindNotFound Kind = "NOT_FOUND"
	// KindAlreadyExists reports an add colliding with an existing user KB.
	KindAlreadyExists Kind = "ALREADY_EXISTS"
	// KindDimensionMismatch reports an embedder returning vectors of an
	// unexpected dimension.
	KindDimensionMismatch Kind = "DIMENSION_MISMATCH"
	// KindCancelled reports that cancellation was observed.
	KindCancelled Kind = "CANCELLED"
	// KindIO reports a filesystem read or write failure.
	KindIO Kind = "IO_ERROR"
	// KindEmbeddingFailed reports an embedder unavailable after retries.
	KindEmbeddingFailed Kind = "EMBEDDING_FAILED"
)

// Error is the typed error returned by every facade operation.
type Error struct {
	// Kind is the stable classification of the failure.
	Kind Kind
	// Msg is the human-readable description.
	Msg string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("engine: %s: %s", e.Kind, e.Msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// errf constructs an *Error with a formatted message.
func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// wrapf constructs an *Error carrying an underlying cause.
func wrapf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

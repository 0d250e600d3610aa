// Package memerr defines the stable error taxonomy surfaced to MCP callers
// and used internally to drive retry policy.
package memerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a stable error code surfaced to callers.
type Kind string

const (
	KindValidation Kind = "VALIDATION_ERROR"
	KindNotFound   Kind = "NOT_FOUND"
	KindEmbedding  Kind = "EMBEDDING_ERROR"
	KindStorage    Kind = "STORAGE_ERROR"
	KindExtraction Kind = "EXTRACTION_ERROR"
	KindTimeout    Kind = "TIMEOUT"
	KindRateLimit  Kind = "RATE_LIMIT"
	KindInternal   Kind = "INTERNAL_ERROR"
)

// Error carries a taxonomy kind, a caller-facing message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to a cause. A nil cause returns nil.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails returns a copy of e carrying extra caller-facing context.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// KindOf classifies any error into the taxonomy. Deadline and cancellation
// errors classify as TIMEOUT even when unwrapped from foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether background work failing with err should be
// re-enqueued. Validation and not-found failures are never retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindEmbedding, KindExtraction, KindTimeout, KindRateLimit, KindStorage:
		return true
	default:
		return false
	}
}

package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds returned by engine operations.
const (
	KindValidation = "validation_error"
	KindNotFound   = "not_found_error"
	KindIndexing   = "indexing_error"
	KindTimeout    = "timeout_error"
	KindInternal   = "internal_error"
)

// Error is a classified engine failure.
type Error struct {
	Kind      string
	Op        string
	Message   string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatusCode maps the kind to an HTTP status.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindIndexing:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ValidationError reports bad input. Never retried.
func ValidationError(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing user-scoped resource.
func NotFoundError(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// IndexingError reports an embedding or index failure.
func IndexingError(op string, err error) *Error {
	return &Error{Kind: KindIndexing, Op: op, Message: "index update failed", Retryable: true, Err: err}
}

// InternalError wraps an unexpected store or invariant failure.
func InternalError(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, kind string) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Package apperr defines the typed errors shared by every MindVault
// component. Each error carries a Kind that crosses the API boundary
// verbatim; pipeline stages and handlers branch on kinds, never on
// message text.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an error for callers and for the job retry policy.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindQuota             Kind = "quota"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindExtraction        Kind = "extraction"
	KindOracleUnavailable Kind = "oracle_unavailable"
	KindOracleSchema      Kind = "oracle_schema"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// Error is the structured error type surfaced by services and handlers.
type Error struct {
	Kind    Kind
	Message string

	// Format names the offending input format for extraction errors.
	Format string
	// Quota details, populated for KindQuota.
	Limit    int64
	Current  int64
	ResetsAt time.Time
	// URLs holds the parsed list for multi-URL validation rejections.
	URLs []string
	// Details carries kind-specific extras (e.g. failed suggester gates).
	Details map[string]interface{}
	// CorrelationID identifies internal errors in logs and responses.
	CorrelationID string

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// MarshalJSON renders the wire form served by the HTTP and RPC
// surfaces: the kind under "error", the message, and whichever
// kind-specific fields are populated. Causes never cross the boundary.
func (e *Error) MarshalJSON() ([]byte, error) {
	body := map[string]interface{}{
		"error":   string(e.Kind),
		"message": e.Message,
	}
	if e.Kind == KindQuota {
		body["limit"] = e.Limit
		body["current"] = e.Current
		if !e.ResetsAt.IsZero() {
			body["resets_at"] = e.ResetsAt.UTC().Format(time.RFC3339)
		}
	}
	if e.Format != "" {
		body["format"] = e.Format
	}
	if len(e.URLs) > 0 {
		body["urls"] = e.URLs
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	if e.CorrelationID != "" {
		body["correlation_id"] = e.CorrelationID
	}
	return json.Marshal(body)
}

// WithDetail attaches a kind-specific detail field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// MultiURL creates the validation error for inputs containing several URLs,
// carrying the parsed list so the caller can re-submit them individually.
func MultiURL(urls []string) *Error {
	e := Newf(KindValidation, "input contains %d URLs; submit them individually", len(urls))
	e.URLs = urls
	return e
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return New(KindUnauthorized, message)
}

// Forbidden creates a forbidden error.
func Forbidden(message string) *Error {
	return New(KindForbidden, message)
}

// Quota creates a quota rejection identifying the exceeded limit.
func Quota(limitName string, limit, current int64, resetsAt time.Time) *Error {
	e := Newf(KindQuota, "%s limit exceeded", limitName)
	e.Limit = limit
	e.Current = current
	e.ResetsAt = resetsAt
	return e.WithDetail("limit_name", limitName)
}

// NotFound creates a not-found error for the named entity.
func NotFound(entity string) *Error {
	return Newf(KindNotFound, "%s not found", entity)
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// Extraction creates an extraction failure for the given format.
func Extraction(format, message string, cause error) *Error {
	e := Wrap(KindExtraction, message, cause)
	e.Format = format
	return e
}

// OracleUnavailable wraps an oracle timeout or 5xx after retries.
func OracleUnavailable(cause error) *Error {
	return Wrap(KindOracleUnavailable, "oracle unavailable", cause)
}

// OracleSchema reports an oracle response that failed strict parsing
// after the single repair attempt.
func OracleSchema(message string) *Error {
	return New(KindOracleSchema, message)
}

// Cancelled reports cooperative job cancellation.
func Cancelled() *Error {
	return New(KindCancelled, "job cancelled")
}

// Internal wraps an unexpected error with a fresh correlation id.
func Internal(cause error) *Error {
	e := Wrap(KindInternal, "internal error", cause)
	e.CorrelationID = uuid.NewString()
	return e
}

// KindOf walks the error chain and returns the outermost Kind,
// defaulting to internal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// From converts any error into an *Error, wrapping unclassified
// errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// Transient reports whether a job carrying this error should be retried.
// Validation, extraction, and schema violations are permanent; oracle
// outages and internal faults are worth another attempt.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindOracleUnavailable, KindInternal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to its API status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindQuota:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindCancelled:
		return http.StatusConflict
	case KindExtraction:
		return http.StatusUnprocessableEntity
	case KindOracleUnavailable:
		return http.StatusServiceUnavailable
	case KindOracleSchema:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

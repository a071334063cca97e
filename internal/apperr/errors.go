// Package apperr defines the error taxonomy shared by the scoring pipeline,
// the job manager and the HTTP boundary.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, machine-facing error category.
type Kind string

const (
	KindValidation Kind = "validation_error"
	KindProcessing Kind = "processing_error"
	KindNetwork    Kind = "network_error"
	KindNotFound   Kind = "not_found"
	KindTimeout    Kind = "timeout_error"
	KindInternal   Kind = "internal_error"
)

// Codes refine a Kind where callers need to tell conditions apart.
const (
	CodePayloadTooLarge = "payload_too_large"
	CodeInvalidImage    = "invalid_image"
	CodeMissingInput    = "missing_input"
	CodeBatchTooLarge   = "batch_too_large"
)

// Error is the structured error carried across component boundaries.
// Message is safe to show to API clients; Cause is never serialized.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Stage   string
	Field   string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Validation reports a caller mistake; retrying the same input will not help.
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// ValidationField is Validation with the offending field attached.
func ValidationField(code, field, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Field: field, Message: message}
}

// PayloadTooLarge is the validation error for oversized uploads.
func PayloadTooLarge(size, limit int64) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodePayloadTooLarge,
		Message: fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", size, limit),
	}
}

// Processing reports a pipeline stage failure.
func Processing(stage string, cause error, format string, args ...any) *Error {
	return &Error{Kind: KindProcessing, Stage: stage, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Network reports an unreachable broker or downstream dependency.
func Network(message string, cause error) *Error {
	return &Error{Kind: KindNetwork, Message: message, Cause: cause}
}

// NotFound reports an unknown resource.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Timeout reports work that exceeded its processing budget.
func Timeout(message string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Cause: cause}
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// As unwraps err and returns (*Error, true) if one is in the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies any error. Context deadline errors count as timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// HTTPStatus maps an error to the status code returned at the API boundary.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok && e.Code == CodePayloadTooLarge {
		return http.StatusRequestEntityTooLarge
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindProcessing:
		return http.StatusUnprocessableEntity
	case KindNetwork:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the client-facing message for err without causes.
func PublicMessage(err error) string {
	if e, ok := As(err); ok {
		if e.Stage != "" {
			return e.Stage + ": " + e.Message
		}
		return e.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "processing timed out"
	}
	return "internal error"
}

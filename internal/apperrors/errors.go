// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
	ErrInvalidMedia = errors.New("invalid media")
	ErrMediaRead    = errors.New("media read error")
	ErrDetection    = errors.New("detection error")
	ErrEncoding     = errors.New("encoding error")
	ErrStorage      = errors.New("storage error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "frame_skip")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "redis.complete")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel and, when present, the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return wrap(ErrInternal, op, cause)
}

// InvalidMedia reports an upload that cannot be decoded as video.
func InvalidMedia(reason string, cause error) error {
	msg := "invalid media: " + reason
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Sentinel: ErrInvalidMedia,
		Message:  msg,
		Field:    "video_file",
		Cause:    cause,
	}
}

// MediaRead reports a decode failure after the job has started.
func MediaRead(op string, cause error) error {
	return wrap(ErrMediaRead, op, cause)
}

// Detection reports a failure of the detection model for one frame.
func Detection(op string, cause error) error {
	return wrap(ErrDetection, op, cause)
}

// Encoding reports that no output video could be produced.
func Encoding(op string, cause error) error {
	return wrap(ErrEncoding, op, cause)
}

// Storage reports a job store failure.
func Storage(op string, cause error) error {
	return wrap(ErrStorage, op, cause)
}

func wrap(sentinel error, op string, cause error) error {
	return &Error{
		Sentinel: sentinel,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

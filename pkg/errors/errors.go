package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sentinel errors for quick checks with errors.Is.
var (
	// ErrNotInitialized is returned when endpoints are created outside an initialized lifecycle.
	ErrNotInitialized = errors.New("process lifecycle not initialized")

	// ErrClosed is returned when using an endpoint or pool after teardown.
	ErrClosed = errors.New("endpoint closed")

	// ErrInternal is returned when an internal error occurs.
	ErrInternal = errors.New("internal error")
)

// Error is the base interface for all typed errors of the bus.
type Error interface {
	error
	// Code returns the error code
	Code() string
	// Message returns the human-readable error message
	Message() string
	// Unwrap returns the underlying cause
	Unwrap() error
}

// BaseError provides a foundation for all typed errors.
type BaseError struct {
	code    string
	message string
	cause   error
	stack   []uintptr
}

// Error implements the error interface.
func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *BaseError) Code() string {
	return e.code
}

// Message returns the error message.
func (e *BaseError) Message() string {
	return e.message
}

// Unwrap returns the underlying cause.
func (e *BaseError) Unwrap() error {
	return e.cause
}

// Stack returns the captured stack trace.
func (e *BaseError) Stack() []uintptr {
	return e.stack
}

// captureStack captures the current stack trace.
func captureStack(skip int) []uintptr {
	const maxDepth = 32
	stack := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+2, stack)
	return stack[:n]
}

// StackTrace returns a formatted stack trace string.
func (e *BaseError) StackTrace() string {
	if len(e.stack) == 0 {
		return ""
	}

	var buf strings.Builder
	frames := runtime.CallersFrames(e.stack)
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			fmt.Fprintf(&buf, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return buf.String()
}

// InvalidTopicNameError is returned for empty, oversized or malformed topic names.
type InvalidTopicNameError struct {
	*BaseError
	Topic  string
	Reason string
}

// NewInvalidTopicNameError creates a new invalid topic name error.
func NewInvalidTopicNameError(topic, reason string) *InvalidTopicNameError {
	return &InvalidTopicNameError{
		BaseError: &BaseError{
			code:    CodeInvalidTopicName,
			message: reason,
			stack:   captureStack(1),
		},
		Topic:  topic,
		Reason: reason,
	}
}

// Error implements the error interface.
func (e *InvalidTopicNameError) Error() string {
	return fmt.Sprintf("invalid topic name %q: %s", e.Topic, e.Reason)
}

// InvalidConfigurationError is returned for rejected settings.
type InvalidConfigurationError struct {
	*BaseError
	Setting string
	Value   interface{}
}

// NewInvalidConfigurationError creates a new invalid configuration error.
func NewInvalidConfigurationError(setting, message string, value interface{}) *InvalidConfigurationError {
	return &InvalidConfigurationError{
		BaseError: &BaseError{
			code:    CodeInvalidConfiguration,
			message: message,
			stack:   captureStack(1),
		},
		Setting: setting,
		Value:   value,
	}
}

// Error implements the error interface.
func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%v: %s", e.Setting, e.Value, e.message)
}

// AlreadyPublishingError is returned when a publisher identity is changed after its first send.
type AlreadyPublishingError struct {
	*BaseError
	Topic     string
	CurrentID int64
}

// NewAlreadyPublishingError creates a new already publishing error.
func NewAlreadyPublishingError(topic string, currentID int64) *AlreadyPublishingError {
	return &AlreadyPublishingError{
		BaseError: &BaseError{
			code:    CodeAlreadyPublishing,
			message: "publisher identity is fixed after the first send",
			stack:   captureStack(1),
		},
		Topic:     topic,
		CurrentID: currentID,
	}
}

// Error implements the error interface.
func (e *AlreadyPublishingError) Error() string {
	return fmt.Sprintf("publisher on %q already sending as id %d", e.Topic, e.CurrentID)
}

// EncodingMismatchError reports a publisher and a subscriber that disagree on a topic type.
type EncodingMismatchError struct {
	*BaseError
	Topic    string
	Expected string
	Actual   string
}

// NewEncodingMismatchError creates a new encoding mismatch error. Expected is
// the local endpoint's descriptor, actual the counterpart's.
func NewEncodingMismatchError(topic, expected, actual string) *EncodingMismatchError {
	return &EncodingMismatchError{
		BaseError: &BaseError{
			code:    CodeEncodingMismatch,
			message: "topic type mismatch",
			stack:   captureStack(1),
		},
		Topic:    topic,
		Expected: expected,
		Actual:   actual,
	}
}

// Error implements the error interface.
func (e *EncodingMismatchError) Error() string {
	return fmt.Sprintf("topic %q: expected type %q, got %q", e.Topic, e.Expected, e.Actual)
}

// DecodeError reports a payload that failed adapter decoding.
type DecodeError struct {
	*BaseError
	Descriptor string
	Size       int
}

// NewDecodeError creates a new decode error wrapping the adapter failure.
func NewDecodeError(descriptor string, size int, cause error) *DecodeError {
	return &DecodeError{
		BaseError: &BaseError{
			code:    CodeDecodeError,
			message: fmt.Sprintf("failed to decode %d byte %s payload", size, descriptor),
			cause:   cause,
			stack:   captureStack(1),
		},
		Descriptor: descriptor,
		Size:       size,
	}
}

// NotInitializedError is returned when creating endpoints without a running lifecycle.
type NotInitializedError struct {
	*BaseError
	Operation string
}

// NewNotInitializedError creates a new not initialized error.
func NewNotInitializedError(operation string) *NotInitializedError {
	return &NotInitializedError{
		BaseError: &BaseError{
			code:    CodeNotInitialized,
			message: fmt.Sprintf("%s: process lifecycle not initialized", operation),
			cause:   ErrNotInitialized,
			stack:   captureStack(1),
		},
		Operation: operation,
	}
}

// Error implements the error interface.
func (e *NotInitializedError) Error() string {
	return e.message
}

// BuffersStillReferencedError is returned by synchronous teardown while readers hold buffers.
type BuffersStillReferencedError struct {
	*BaseError
	Topic   string
	Readers int
}

// NewBuffersStillReferencedError creates a new buffers still referenced error.
func NewBuffersStillReferencedError(topic string, readers int) *BuffersStillReferencedError {
	return &BuffersStillReferencedError{
		BaseError: &BaseError{
			code:    CodeBuffersStillReferenced,
			message: "buffers still referenced by readers",
			stack:   captureStack(1),
		},
		Topic:   topic,
		Readers: readers,
	}
}

// Error implements the error interface.
func (e *BuffersStillReferencedError) Error() string {
	return fmt.Sprintf("topic %q: %d read references still held", e.Topic, e.Readers)
}

// ClosedError is returned when using a torn down endpoint.
type ClosedError struct {
	*BaseError
	Resource string
}

// NewClosedError creates a new closed error.
func NewClosedError(resource string) *ClosedError {
	return &ClosedError{
		BaseError: &BaseError{
			code:    CodeEndpointClosed,
			message: fmt.Sprintf("%s is closed", resource),
			cause:   ErrClosed,
			stack:   captureStack(1),
		},
		Resource: resource,
	}
}

// Error implements the error interface.
func (e *ClosedError) Error() string {
	return e.message
}

// InternalError represents an unexpected failure.
type InternalError struct {
	*BaseError
	Operation string
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *InternalError {
	if message == "" {
		message = "internal error"
	}
	return &InternalError{
		BaseError: &BaseError{
			code:    CodeInternal,
			message: message,
			cause:   cause,
			stack:   captureStack(1),
		},
	}
}

// WithOperation sets the operation context.
func (e *InternalError) WithOperation(op string) *InternalError {
	e.Operation = op
	return e
}

// Wrap wraps an error with additional context.
// If the error is already one of our typed errors, the code is preserved.
// Otherwise, it creates an InternalError.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	if e, ok := err.(Error); ok {
		return &BaseError{
			code:    e.Code(),
			message: message,
			cause:   err,
			stack:   captureStack(1),
		}
	}

	return &InternalError{
		BaseError: &BaseError{
			code:    CodeInternal,
			message: message,
			cause:   err,
			stack:   captureStack(1),
		},
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// New creates a new error with a message.
func New(message string) error {
	return &BaseError{
		code:    CodeInternal,
		message: message,
		stack:   captureStack(1),
	}
}

// Newf creates a new error with a formatted message.
func Newf(format string, args ...interface{}) error {
	return New(fmt.Sprintf(format, args...))
}

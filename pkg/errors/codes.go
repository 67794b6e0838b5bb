package errors

// Error codes for categorizing bus errors.
const (
	// CodeOK indicates success (not an error).
	CodeOK = "OK"

	// CodeInternal indicates an unexpected failure inside the bus.
	CodeInternal = "INTERNAL"

	// CodeInvalidTopicName indicates an empty, oversized or otherwise malformed topic name.
	CodeInvalidTopicName = "INVALID_TOPIC_NAME"

	// CodeInvalidConfiguration indicates a rejected setting such as a zero buffer count.
	CodeInvalidConfiguration = "INVALID_CONFIGURATION"

	// CodeAlreadyPublishing indicates an identity change after the first send.
	CodeAlreadyPublishing = "ALREADY_PUBLISHING"

	// CodeEncodingMismatch indicates publisher and subscriber disagree on the topic type.
	CodeEncodingMismatch = "ENCODING_MISMATCH"

	// CodeDecodeError indicates a payload the encoding adapter could not decode.
	CodeDecodeError = "DECODE_ERROR"

	// CodeNotInitialized indicates endpoint creation outside an initialized process lifecycle.
	CodeNotInitialized = "NOT_INITIALIZED"

	// CodeBuffersStillReferenced indicates a synchronous teardown while readers hold buffers.
	CodeBuffersStillReferenced = "BUFFERS_STILL_REFERENCED"

	// CodeEndpointClosed indicates an operation on a torn down publisher or subscriber.
	CodeEndpointClosed = "ENDPOINT_CLOSED"
)

// ErrorCategory groups codes by where they surface.
type ErrorCategory string

const (
	// CategoryConfiguration errors are returned synchronously to the caller that configured something wrong.
	CategoryConfiguration ErrorCategory = "CONFIGURATION_ERROR"

	// CategoryDelivery errors are scoped to a single message and a single subscriber.
	CategoryDelivery ErrorCategory = "DELIVERY_ERROR"

	// CategoryLifecycle errors relate to process or endpoint lifetime.
	CategoryLifecycle ErrorCategory = "LIFECYCLE_ERROR"

	// CategoryInternal is everything else.
	CategoryInternal ErrorCategory = "INTERNAL_ERROR"
)

// GetCategory returns the category for an error code.
func GetCategory(code string) ErrorCategory {
	switch code {
	case CodeInvalidTopicName, CodeInvalidConfiguration, CodeAlreadyPublishing:
		return CategoryConfiguration

	case CodeEncodingMismatch, CodeDecodeError:
		return CategoryDelivery

	case CodeNotInitialized, CodeBuffersStillReferenced, CodeEndpointClosed:
		return CategoryLifecycle

	default:
		return CategoryInternal
	}
}

// IsDeliveryScoped reports whether errors with the given code only affect
// one message for one subscriber and must never abort a send.
func IsDeliveryScoped(code string) bool {
	return GetCategory(code) == CategoryDelivery
}

// IsRetryable returns true if the failed operation may succeed when repeated
// without changing its arguments.
func IsRetryable(code string) bool {
	switch code {
	case CodeBuffersStillReferenced, CodeNotInitialized:
		return true
	default:
		return false
	}
}

package errors

import "errors"

// IsInvalidTopicName checks if an error reports a malformed topic name.
func IsInvalidTopicName(err error) bool {
	var target *InvalidTopicNameError
	return err != nil && errors.As(err, &target)
}

// IsInvalidConfiguration checks if an error reports a rejected setting.
func IsInvalidConfiguration(err error) bool {
	var target *InvalidConfigurationError
	return err != nil && errors.As(err, &target)
}

// IsAlreadyPublishing checks if an error reports an identity change after the first send.
func IsAlreadyPublishing(err error) bool {
	var target *AlreadyPublishingError
	return err != nil && errors.As(err, &target)
}

// IsEncodingMismatch checks if an error reports incompatible topic types.
func IsEncodingMismatch(err error) bool {
	var target *EncodingMismatchError
	return err != nil && errors.As(err, &target)
}

// IsDecodeError checks if an error reports an undecodable payload.
func IsDecodeError(err error) bool {
	var target *DecodeError
	return err != nil && errors.As(err, &target)
}

// IsNotInitialized checks if an error reports a missing process lifecycle.
func IsNotInitialized(err error) bool {
	if err == nil {
		return false
	}

	var target *NotInitializedError
	return errors.As(err, &target) || errors.Is(err, ErrNotInitialized)
}

// IsBuffersStillReferenced checks if an error reports a blocked synchronous teardown.
func IsBuffersStillReferenced(err error) bool {
	var target *BuffersStillReferencedError
	return err != nil && errors.As(err, &target)
}

// IsClosed checks if an error reports use of a torn down endpoint.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}

	var target *ClosedError
	return errors.As(err, &target) || errors.Is(err, ErrClosed)
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	if err == nil {
		return CodeOK
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return customErr.Code()
	}

	switch {
	case errors.Is(err, ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, ErrClosed):
		return CodeEndpointClosed
	default:
		return CodeInternal
	}
}

// GetErrorMessage extracts a human-readable message from an error.
func GetErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return customErr.Message()
	}

	return err.Error()
}

// Cause returns the underlying cause of an error.
// It unwraps the error chain until it finds the root cause.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		underlying := unwrapper.Unwrap()
		if underlying == nil {
			return err
		}
		err = underlying
	}
}

package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestInvalidTopicNameError(t *testing.T) {
	err := NewInvalidTopicNameError("", "must not be empty")
	if err.Error() != `invalid topic name "": must not be empty` {
		t.Errorf("unexpected message %q", err.Error())
	}
	if err.Code() != CodeInvalidTopicName {
		t.Errorf("Expected code %q, got %q", CodeInvalidTopicName, err.Code())
	}
	if !IsInvalidTopicName(err) {
		t.Error("IsInvalidTopicName should match")
	}
}

func TestInvalidConfigurationError(t *testing.T) {
	err := NewInvalidConfigurationError("buffer_count", "must be at least 1", 0)
	if err.Error() != "invalid configuration: buffer_count=0: must be at least 1" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if err.Setting != "buffer_count" {
		t.Errorf("Expected setting buffer_count, got %q", err.Setting)
	}
}

func TestAlreadyPublishingError(t *testing.T) {
	err := NewAlreadyPublishingError("ping", 7)
	if !strings.Contains(err.Error(), "id 7") {
		t.Errorf("message should carry the current id: %q", err.Error())
	}
	if GetErrorCode(err) != CodeAlreadyPublishing {
		t.Errorf("Expected code %q, got %q", CodeAlreadyPublishing, GetErrorCode(err))
	}
}

func TestEncodingMismatchError(t *testing.T) {
	err := NewEncodingMismatchError("pong", "proto:demo.Pong", "mpack:demo.Pong")
	want := `topic "pong": expected type "proto:demo.Pong", got "mpack:demo.Pong"`
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
	if !IsDeliveryScoped(err.Code()) {
		t.Error("mismatch must be delivery scoped")
	}
}

func TestDecodeErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("unexpected EOF")
	err := NewDecodeError("mpack:demo.Ping", 3, cause)

	if !errors.Is(err, cause) {
		t.Error("decode error should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "3 byte mpack:demo.Ping payload") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !IsDecodeError(err) {
		t.Error("IsDecodeError should match")
	}
}

func TestNotInitializedError(t *testing.T) {
	err := NewNotInitializedError("create publisher")
	if !errors.Is(err, ErrNotInitialized) {
		t.Error("should wrap ErrNotInitialized sentinel")
	}
	if !IsNotInitialized(err) {
		t.Error("IsNotInitialized should match")
	}
	if !IsNotInitialized(fmt.Errorf("wrapped: %w", ErrNotInitialized)) {
		t.Error("IsNotInitialized should match the bare sentinel")
	}
}

func TestBuffersStillReferencedError(t *testing.T) {
	err := NewBuffersStillReferencedError("ping", 2)
	if err.Readers != 2 {
		t.Errorf("Expected 2 readers, got %d", err.Readers)
	}
	if !IsBuffersStillReferenced(err) {
		t.Error("IsBuffersStillReferenced should match")
	}
}

func TestClosedError(t *testing.T) {
	err := NewClosedError("subscriber")
	if err.Error() != "subscriber is closed" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !IsClosed(err) || !errors.Is(err, ErrClosed) {
		t.Error("closed error should match both helper and sentinel")
	}
}

func TestWrapPreservesCode(t *testing.T) {
	original := NewInvalidTopicNameError("a\x00b", "contains NUL byte")
	wrapped := Wrap(original, "register subscriber")

	if GetErrorCode(wrapped) != CodeInvalidTopicName {
		t.Errorf("Expected code %q, got %q", CodeInvalidTopicName, GetErrorCode(wrapped))
	}
	if !IsInvalidTopicName(wrapped) {
		t.Error("wrapped error should still match its type")
	}
	if Cause(wrapped) != original {
		t.Error("Cause should return the original error")
	}
}

func TestWrapForeignError(t *testing.T) {
	wrapped := Wrapf(fmt.Errorf("boom"), "commit %d", 3)
	if GetErrorCode(wrapped) != CodeInternal {
		t.Errorf("Expected code %q, got %q", CodeInternal, GetErrorCode(wrapped))
	}
	if wrapped.Error() != "commit 3: boom" {
		t.Errorf("unexpected message %q", wrapped.Error())
	}
	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestGetErrorMessage(t *testing.T) {
	if GetErrorMessage(nil) != "" {
		t.Error("nil error has no message")
	}
	err := NewInvalidConfigurationError("queue_depth", "must be positive", -1)
	if GetErrorMessage(err) != "must be positive" {
		t.Errorf("unexpected message %q", GetErrorMessage(err))
	}
	if GetErrorMessage(fmt.Errorf("plain")) != "plain" {
		t.Error("foreign errors use Error()")
	}
}

func TestStackTrace(t *testing.T) {
	err := NewInternalError("unexpected slot state", nil).WithOperation("release")
	if err.Operation != "release" {
		t.Errorf("Expected operation release, got %q", err.Operation)
	}
	if len(err.Stack()) == 0 {
		t.Fatal("expected a captured stack")
	}
	if !strings.Contains(err.StackTrace(), "TestStackTrace") {
		t.Error("stack trace should contain the calling test")
	}
}

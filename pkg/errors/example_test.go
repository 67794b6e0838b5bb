package errors_test

import (
	"fmt"

	"github.com/DeBrosOfficial/shmbus/pkg/errors"
)

// Example demonstrates how configuration errors carry the offending setting.
func ExampleNewInvalidConfigurationError() {
	err := errors.NewInvalidConfigurationError("buffer_count", "must be at least 1", 0)
	fmt.Println(err.Error())
	fmt.Println("Code:", err.Code())
	// Output:
	// invalid configuration: buffer_count=0: must be at least 1
	// Code: INVALID_CONFIGURATION
}

// Example demonstrates that wrapping keeps the original classification.
func ExampleWrap() {
	err := errors.Wrap(errors.NewEncodingMismatchError("ping", "raw:bytes", "mpack:demo.Ping"), "deliver")

	fmt.Println(err.Error())
	fmt.Println("Mismatch:", errors.IsEncodingMismatch(err))
	// Output:
	// deliver: topic "ping": expected type "raw:bytes", got "mpack:demo.Ping"
	// Mismatch: true
}

// Package errors provides examples of structured error handling in hubsync.
package errors_test

import (
	"context"
	"fmt"
	"io"

	"github.com/ajitpratap0/hubsync/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypeInvalidRecord, "record is nil").
		WithDetail("repo_id", "acme/sft-data")

	fmt.Println(err.Error())

	// Output:
	// invalid_record: record is nil
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeFile, "failed to read asset").
		WithDetail("path", "/tmp/image.png")

	if errors.IsType(err, errors.ErrorTypeFile) {
		fmt.Println("This is a file error")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Println("Cause was unexpected EOF")
	}

	// Output:
	// This is a file error
	// Cause was unexpected EOF
}

// ExampleIsRetryable shows how upload failures are classified.
func ExampleIsRetryable() {
	transient := errors.Wrap(
		errors.New(errors.ErrorTypeConnection, "connection reset"),
		errors.ErrorTypeUpload, "upload failed")
	denied := errors.Wrap(
		errors.New(errors.ErrorTypeAuthentication, "invalid token"),
		errors.ErrorTypeUpload, "upload failed")
	cancelled := errors.Wrap(context.Canceled, errors.ErrorTypeUpload, "upload failed")

	fmt.Println(errors.IsRetryable(transient))
	fmt.Println(errors.IsRetryable(denied))
	fmt.Println(errors.IsRetryable(cancelled))

	// Output:
	// true
	// false
	// false
}

// ExampleIsType demonstrates that IsType walks the whole chain.
func ExampleIsType() {
	connErr := errors.New(errors.ErrorTypeConnection, "connection failed")
	wrapped := errors.Wrap(connErr, errors.ErrorTypeUpload, "commit failed")

	fmt.Printf("upload: %v\n", errors.IsType(wrapped, errors.ErrorTypeUpload))
	fmt.Printf("connection: %v\n", errors.IsType(wrapped, errors.ErrorTypeConnection))
	fmt.Printf("config: %v\n", errors.IsType(wrapped, errors.ErrorTypeConfig))
	fmt.Println(wrapped)

	// Output:
	// upload: true
	// connection: true
	// config: false
	// upload: commit failed: connection: connection failed
}

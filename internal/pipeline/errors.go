package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures. The kind string is recorded on
// the failed BackupResult as error_details and surfaced by the connection
// test endpoint as error_type.
type ErrorKind string

const (
	KindCredential  ErrorKind = "CredentialError"
	KindConnection  ErrorKind = "ConnectionError"
	KindExecution   ErrorKind = "BackupExecutionError"
	KindTimeout     ErrorKind = "TimeoutError"
	KindCompression ErrorKind = "CompressionError"
	KindStorage     ErrorKind = "StorageError"
	KindToolMissing ErrorKind = "ToolMissingError"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, or KindExecution when err is not
// a pipeline error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindExecution
}

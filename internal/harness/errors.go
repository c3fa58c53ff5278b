package harness

import (
	"errors"
	"fmt"

	"github.com/malbeclabs/linkbench/internal/retry"
	"github.com/malbeclabs/linkbench/internal/sampler"
	"github.com/malbeclabs/linkbench/internal/transport"
)

type ErrorType string

const (
	ErrorTypeConfig    ErrorType = "config_error"
	ErrorTypeTransient ErrorType = "transient_error"
	ErrorTypeTerminal  ErrorType = "terminal_error"
	ErrorTypeIntegrity ErrorType = "integrity_error"
	ErrorTypeNoData    ErrorType = "no_data"
	ErrorTypeFileIO    ErrorType = "file_io_error"
)

// Exit codes of the run command.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitNoData  = 2
)

type Error struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed in %s: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failed in %s: %s", e.Type, e.Operation, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(errType ErrorType, operation, message string, cause error) *Error {
	return &Error{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// IsType reports whether err is or wraps a harness error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}

// Classify maps a transport or sampling error onto the taxonomy.
func Classify(err error) ErrorType {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e.Type
	case errors.Is(err, transport.ErrInvalidEndpoint):
		return ErrorTypeConfig
	case transport.IsIntegrity(err), errors.Is(err, sampler.ErrNegativeLatency):
		return ErrorTypeIntegrity
	case transport.IsPermanent(err), retry.IsPermanent(err):
		return ErrorTypeTerminal
	default:
		return ErrorTypeTransient
	}
}

// ExitCode returns the process exit code for the error returned by Run.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsType(err, ErrorTypeNoData):
		return ExitNoData
	default:
		return ExitFailure
	}
}

// Package errors wraps pkg/errors and adds error codes used to classify request failures.
// Every failure returned to a client carries one of the codes below, handlers never need
// to inspect error strings.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is an error code which can be used to check against a given error with Is.
type Code string

// request failure classes
const (
	ErrUncoded            Code = "Uncoded"
	ErrValidation         Code = "ValidationError"
	ErrAuthorization      Code = "AuthorizationError"
	ErrSession            Code = "SessionError"
	ErrCursor             Code = "CursorError"
	ErrExecution          Code = "ExecutionError"
	ErrTransport          Code = "TransportError"
	ErrUnknownFilter      Code = "UnknownFilter"
	ErrUnknownRequestType Code = "UnknownRequestType"
	ErrConfig             Code = "ConfigError"
)

// New makes a coded error with stack
func New(code Code, message string) error {
	return errors.WithStack(codedError{Code: code, Message: message})
}

// Newf makes a coded error with formatted message
func Newf(code Code, format string, args ...any) error {
	return errors.WithStack(codedError{Code: code, Message: fmt.Sprintf(format, args...)})
}

// Wrap attaches code to an existing error, keeping the original in the chain.
// Returns nil for nil err.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(codedError{Code: code, Message: message + ": " + err.Error(), cause: err})
}

// Is checks if err, or anything it wraps, has the target code
func Is(err error, target Code) bool {
	return errors.Is(err, codedError{Code: target})
}

// As is errors.As
func As(err error, target any) bool {
	return errors.As(err, target)
}

// CodeOf returns the code of the first coded error in the chain, ErrUncoded if none
func CodeOf(err error) Code {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrUncoded
}

// codedError is the fundamental type used by this package to provide coded errors.
type codedError struct {
	Code    Code
	Message string
	cause   error
}

func (ce codedError) Error() string { return ce.Message }

// Is matches by code only
func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}

func (ce codedError) Unwrap() error { return ce.cause }

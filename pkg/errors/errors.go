package errors

import (
	"errors"
	"fmt"
)

// Code is a numeric signaling error code, pushed to the requester
// together with a human-readable cause.
type Code int

const (
	CodeUnknownError      Code = 499
	CodeNoMessage         Code = 470
	CodeInvalidJSON       Code = 471
	CodeInvalidRequest    Code = 472
	CodeRegisterFirst     Code = 473
	CodeInvalidElement    Code = 474
	CodeMissingElement    Code = 475
	CodeUsernameTaken     Code = 476
	CodeAlreadyRegistered Code = 477
	CodeNoSuchUsername    Code = 478
	CodeSelfCall          Code = 479
	CodeAlreadyInCall     Code = 480
	CodeNoCall            Code = 481
	CodeMissingSDP        Code = 482
	CodeInvalidSDP        Code = 483
)

// SignalError is an error that maps onto the signaling wire protocol:
// it carries the numeric code and the cause string that go back to the
// requester in the error event.
type SignalError struct {
	Code  Code
	Cause string
	Err   error
}

// Error implements the error interface.
func (e *SignalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d: %s (caused by: %v)", e.Code, e.Cause, e.Err)
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Cause)
}

// Unwrap returns the underlying error.
func (e *SignalError) Unwrap() error {
	return e.Err
}

// New creates a signal error with the given code and cause.
func New(code Code, format string, args ...interface{}) *SignalError {
	return &SignalError{Code: code, Cause: fmt.Sprintf(format, args...)}
}

// Wrap attaches a signaling code and cause to an existing error.
func Wrap(err error, code Code, format string, args ...interface{}) *SignalError {
	return &SignalError{Code: code, Cause: fmt.Sprintf(format, args...), Err: err}
}

// Validation errors: malformed or missing request fields, rejected
// before any state mutation.

func NewMissingElement(field string) *SignalError {
	return New(CodeMissingElement, "missing mandatory element (%s)", field)
}

func NewInvalidElement(cause string) *SignalError {
	return New(CodeInvalidElement, "%s", cause)
}

func NewUnknownRequest(request string) *SignalError {
	return New(CodeInvalidRequest, "unknown request (%s)", request)
}

// State-conflict errors: the request is well formed but the session or
// call is not in a state that allows it.

func NewRegisterFirst() *SignalError {
	return New(CodeRegisterFirst, "register a username first")
}

func NewAlreadyRegistered(username string) *SignalError {
	return New(CodeAlreadyRegistered, "already logged in (%s)", username)
}

func NewUsernameTaken(username string) *SignalError {
	return New(CodeUsernameTaken, "username '%s' is taken or not authorized", username)
}

func NewNoSuchUsername(username string) *SignalError {
	return New(CodeNoSuchUsername, "username '%s' doesn't exist", username)
}

func NewAlreadyInCall() *SignalError {
	return New(CodeAlreadyInCall, "already in a call")
}

func NewNoCall(cause string) *SignalError {
	return New(CodeNoCall, "%s", cause)
}

// Precondition errors: missing or unparseable negotiation payloads.

func NewMissingSDP() *SignalError {
	return New(CodeMissingSDP, "missing SDP")
}

func NewInvalidSDP(cause string) *SignalError {
	return New(CodeInvalidSDP, "%s", cause)
}

// GetSignalError extracts a SignalError from an error chain, or nil.
func GetSignalError(err error) *SignalError {
	var se *SignalError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// CodeOf returns the signaling code for err, falling back to
// CodeUnknownError for errors without one.
func CodeOf(err error) Code {
	if se := GetSignalError(err); se != nil {
		return se.Code
	}
	return CodeUnknownError
}

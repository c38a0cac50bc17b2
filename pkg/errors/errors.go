package errors

import (
	"errors"
	"fmt"
)

// Standard interop re-exports so callers don't need to import both
// pkg/errors and the standard library errors package side by side.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// Error codes shared across the module. Components that need a code not
// listed here (messaging, outbox, inbox, ...) define their own constants
// but construct errors through New/Wrap so every error carries a code and
// is unwrappable.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeAlreadyExists   = "ALREADY_EXISTS"
	CodeInternal        = "INTERNAL"
	CodeUnavailable     = "UNAVAILABLE"
	CodeTimeout         = "TIMEOUT"
	CodeUnauthenticated = "UNAUTHENTICATED"

	// Domain-specific codes for the messaging error taxonomy. Components
	// classify failures into these buckets rather than matching on
	// error strings; see pkg/retry for how they map to ack/nak/term.
	CodeConfiguration  = "CONFIGURATION_ERROR"
	CodeInvalidSubject = "INVALID_SUBJECT"
	CodeInvalidEnvelope = "INVALID_ENVELOPE"
	CodeTransientIO    = "TRANSIENT_IO_ERROR"
	CodeBrokerAck      = "BROKER_ACK_ERROR"
	CodeHandler        = "HANDLER_ERROR"
	CodeUnrecoverable  = "UNRECOVERABLE_ERROR"
)

// AppError is a coded, chainable application error.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New builds a coded AppError. Cause may be nil.
func New(code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Wrap annotates err with a message, preserving its code if it is already
// an AppError, or defaulting to CodeInternal otherwise.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	code := CodeInternal
	var ae *AppError
	if errors.As(err, &ae) {
		code = ae.Code
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// CodeOf extracts the code from err, or CodeInternal if err is not (or does
// not wrap) an AppError.
func CodeOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

package types

import (
	"errors"
	"fmt"
)

// Error kinds. The response layer maps each kind to an HTTP status.
var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation failed")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidState         = errors.New("invalid state")
	ErrConflict             = errors.New("conflict")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrOutcomeUnknown       = errors.New("outcome unknown")
)

// Error is a domain error carrying a machine readable code and a message
// that is safe to return to API clients
type Error struct {
	Kind    error
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// NotFound builds an ErrNotFound error
func NotFound(code, message string) *Error {
	return newError(ErrNotFound, code, message)
}

// Validation builds an ErrValidation error with the generic VALIDATION_ERROR code
func Validation(message string) *Error {
	return newError(ErrValidation, "VALIDATION_ERROR", message)
}

// ValidationCode builds an ErrValidation error with a specific code
func ValidationCode(code, message string) *Error {
	return newError(ErrValidation, code, message)
}

// InsufficientFunds builds an ErrInsufficientFunds error
func InsufficientFunds(message string) *Error {
	return newError(ErrInsufficientFunds, "INSUFFICIENT_FUNDS", message)
}

// InsufficientHoldings builds an ErrInsufficientHoldings error
func InsufficientHoldings(message string) *Error {
	return newError(ErrInsufficientHoldings, "INSUFFICIENT_HOLDINGS", message)
}

// InvalidState builds an ErrInvalidState error
func InvalidState(code, message string) *Error {
	return newError(ErrInvalidState, code, message)
}

// Conflict builds an ErrConflict error
func Conflict(code, message string) *Error {
	return newError(ErrConflict, code, message)
}

// Unauthorized builds an ErrUnauthorized error
func Unauthorized(code, message string) *Error {
	return newError(ErrUnauthorized, code, message)
}

// Forbidden builds an ErrForbidden error
func Forbidden(code, message string) *Error {
	return newError(ErrForbidden, code, message)
}

// OutcomeUnknown builds an ErrOutcomeUnknown error. It is returned when a
// write was interrupted and may or may not have committed.
func OutcomeUnknown(message string) *Error {
	return newError(ErrOutcomeUnknown, "OUTCOME_UNKNOWN", message)
}

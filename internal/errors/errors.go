// Package errors provides the coded error type shared by all layers of the
// approvals service. Handlers map codes to HTTP statuses; services and
// repositories construct errors with the code that describes the failure,
// never with raw strings.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrCode identifies the category of a failure.
type ErrCode string

const (
	ErrCodeNotFound                ErrCode = "NOT_FOUND"
	ErrCodeConflict                ErrCode = "CONFLICT"
	ErrCodeDuplicateActiveInstance ErrCode = "DUPLICATE_ACTIVE_INSTANCE"
	ErrCodeInvalidStepState        ErrCode = "INVALID_STEP_STATE"
	ErrCodeUnauthorized            ErrCode = "UNAUTHORIZED"
	ErrCodeDelegationConflict      ErrCode = "DELEGATION_CONFLICT"
	ErrCodeInvalidInput            ErrCode = "INVALID_INPUT"
	ErrCodeInternal                ErrCode = "INTERNAL"
)

// Error is a coded error. Cause is optional and preserved for errors.Is/As.
type Error struct {
	Code    ErrCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a coded error without a cause.
func New(code ErrCode, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrCode, message string) error {
	return &Error{Code: code, Message: message, Cause: err}
}

// NotFound reports a missing resource by type and identifier.
func NotFound(resource, id string) error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// Code extracts the ErrCode from an error chain, defaulting to ErrCodeInternal.
func Code(err error) ErrCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrCode) bool {
	return Code(err) == code
}

// HTTPStatus maps an error to the status its REST response should carry.
func HTTPStatus(err error) int {
	switch Code(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeDuplicateActiveInstance, ErrCodeInvalidStepState, ErrCodeDelegationConflict:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

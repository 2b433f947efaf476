package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrUnavailable  = errors.New("unavailable")
	ErrInternal     = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeInternal    ErrorType = "internal"
)

// ServiceError is a structured error for entitlement service operations.
type ServiceError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "store.current", "fulfillment.apply")
	Subject   string // App/subject key when applicable
	Err       error  // Underlying error
	Timestamp time.Time
}

func (e *ServiceError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ServiceError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	case ErrConflict:
		return e.Type == ErrorTypeConflict
	case ErrUnavailable:
		return e.Type == ErrorTypeUnavailable
	case ErrInternal:
		return e.Type == ErrorTypeInternal
	}

	return errors.Is(e.Err, target)
}

// NewServiceError creates a new ServiceError
func NewServiceError(errorType ErrorType, op string, err error) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithSubject adds the app/subject key to the error
func (e *ServiceError) WithSubject(subject string) *ServiceError {
	e.Subject = subject
	return e
}

// Helper functions

// WrapNotFound wraps a lookup miss with context
func WrapNotFound(op string, err error) error {
	return NewServiceError(ErrorTypeNotFound, op, err)
}

// WrapValidation wraps rejected input with context
func WrapValidation(op string, err error) error {
	return NewServiceError(ErrorTypeValidation, op, err)
}

// WrapConflict wraps a uniqueness violation with context
func WrapConflict(op string, err error) error {
	return NewServiceError(ErrorTypeConflict, op, err)
}

// WrapInternal wraps an environment or storage failure with context
func WrapInternal(op string, err error) error {
	return NewServiceError(ErrorTypeInternal, op, err)
}

// TypeOf returns the category of err, or ErrorTypeInternal when unknown.
func TypeOf(err error) ErrorType {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Type
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrorTypeNotFound
	case errors.Is(err, ErrUnauthorized):
		return ErrorTypeAuth
	case errors.Is(err, ErrInvalidInput):
		return ErrorTypeValidation
	case errors.Is(err, ErrConflict):
		return ErrorTypeConflict
	case errors.Is(err, ErrUnavailable):
		return ErrorTypeUnavailable
	}
	return ErrorTypeInternal
}

// HTTPStatus maps err to the status code an API handler should return.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch TypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeAuth:
		return http.StatusUnauthorized
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

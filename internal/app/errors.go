package app

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeConflict         = "CONFLICT"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeUnavailable      = "UNAVAILABLE"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// IsCode reports whether err is a DomainError carrying code.
func IsCode(err error, code string) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == code
}

func errUnauthenticated() *DomainError {
	return domainError(http.StatusUnauthorized, CodeUnauthenticated, "Sign in to continue", nil)
}

func errForbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, message, nil)
}

func errNotFound(message string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, message, nil)
}

func errInvalidArgument(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidArgument, message, details)
}

func errUnavailable(cause error) *DomainError {
	err := domainError(http.StatusServiceUnavailable, CodeUnavailable, "Service temporarily unavailable, retry shortly", nil)
	err.cause = cause
	return err
}

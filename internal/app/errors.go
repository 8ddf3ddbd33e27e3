package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errForbidden     = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errUserExists    = domainError(http.StatusConflict, "USER_EXISTS", "User already exists", nil)
	errUserNotFound  = domainError(http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
	errInvalidUserID = domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Invalid user ID. Must be a positive integer", nil)
)

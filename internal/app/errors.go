package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/yk9331/bear-plus/internal/collab"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, collab.ErrInvalidVersion) || errors.Is(err, collab.ErrInvalidStep) || errors.Is(err, collab.ErrInvalidEvent) {
		return http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil
	}
	if errors.Is(err, collab.ErrVersionConflict) {
		return http.StatusConflict, "VERSION_CONFLICT", "Version not current", nil
	}
	if errors.Is(err, collab.ErrHistoryGone) {
		return http.StatusGone, "HISTORY_GONE", "History no longer available", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

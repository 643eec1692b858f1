package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"collab/api/internal/auth"
	"collab/api/internal/collab"
	"collab/api/internal/gitrepo"
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

// mapError translates service errors to an HTTP status and error code. The
// message of a domain sentinel is passed through; anything else is hidden.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, collab.ErrValidation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, collab.ErrNotFound), errors.Is(err, sql.ErrNoRows), errors.Is(err, gitrepo.ErrNotArchived):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, collab.ErrStale):
		return http.StatusConflict, "STALE", "Session changed concurrently, retry", nil
	case errors.Is(err, collab.ErrConflict):
		return http.StatusConflict, "CONFLICT", err.Error(), nil
	case errors.Is(err, collab.ErrUnauthorized):
		return http.StatusForbidden, "FORBIDDEN", err.Error(), nil
	case errors.Is(err, collab.ErrAlreadyEnded):
		return http.StatusConflict, "ALREADY_ENDED", err.Error(), nil
	case errors.Is(err, collab.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE", err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

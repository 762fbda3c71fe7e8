package errorutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError("VALIDATION_FAILED", message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError("UNAUTHORIZED", message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError("FORBIDDEN", message, http.StatusForbidden, nil)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError("CONFLICT", message, http.StatusConflict, details)
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts bridge, Redmine and fiber errors to a DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	var missing *domain.MissingRequiredCustomFieldsError
	if errors.As(err, &missing) {
		return &DomainError{
			Code:       "MISSING_REQUIRED_CUSTOM_FIELDS",
			Message:    missing.Error(),
			HTTPStatus: http.StatusUnprocessableEntity,
			Details: map[string]any{
				"tracker_id":   missing.TrackerID,
				"missing_ids":  missing.MissingIDs,
				"missing_keys": missing.MissingKeys,
			},
			Err: err,
		}
	}
	if errors.Is(err, domain.ErrIdempotencyConflict) {
		return &DomainError{
			Code:       "IDEMPOTENCY_CONFLICT",
			Message:    err.Error(),
			HTTPStatus: http.StatusConflict,
			Err:        err,
		}
	}

	var authErr *redmine.AuthError
	if errors.As(err, &authErr) {
		return &DomainError{
			Code:       "REDMINE_AUTH_FAILED",
			Message:    authErr.Error(),
			HTTPStatus: http.StatusBadGateway,
			Details:    map[string]any{"redmine_status": authErr.Status},
			Err:        err,
		}
	}
	var valErr *redmine.ValidationError
	if errors.As(err, &valErr) {
		de := &DomainError{
			Code:       "REDMINE_VALIDATION_FAILED",
			Message:    valErr.Error(),
			HTTPStatus: http.StatusUnprocessableEntity,
			Details:    map[string]any{"redmine_status": valErr.Status},
			Err:        err,
		}
		if msgs := valErr.Messages(); len(msgs) > 0 {
			de.Details["errors"] = msgs
		}
		if valErr.Status == http.StatusNotFound {
			de.Code = "NOT_FOUND"
			de.HTTPStatus = http.StatusNotFound
		}
		return de
	}
	var transportErr *redmine.TransportError
	if errors.As(err, &transportErr) {
		return &DomainError{
			Code:       "REDMINE_UNAVAILABLE",
			Message:    transportErr.Error(),
			HTTPStatus: http.StatusBadGateway,
			Err:        err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &DomainError{
			Code:       "TIMEOUT",
			Message:    "request timed out",
			HTTPStatus: http.StatusGatewayTimeout,
			Err:        err,
		}
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return &DomainError{
			Code:       httpCode(fiberErr.Code),
			Message:    fiberErr.Message,
			HTTPStatus: fiberErr.Code,
		}
	}

	return NewInternalError(err).(*DomainError)
}

func MapError(err error) error {
	return ToDomainError(err)
}

// httpCode turns a status into an error code, e.g. 404 -> NOT_FOUND.
func httpCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "HTTP_ERROR"
	}
	return strings.ToUpper(strings.ReplaceAll(text, " ", "_"))
}

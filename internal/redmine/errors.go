package redmine

import (
	"errors"
	"fmt"
	"strings"
)

// AuthError is returned for 401, 403 and 412 responses.
// A 412 means Redmine rejected the impersonated (switch-user) login.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// SwitchUserRejected reports whether Redmine refused the impersonated login.
func (e *AuthError) SwitchUserRejected() bool {
	return e.Status == 412
}

// ValidationError is returned for any other response with status >= 400.
type ValidationError struct {
	Status  int
	Body    map[string]any
	RawBody string
}

func (e *ValidationError) Error() string {
	msgs := e.Messages()
	if len(msgs) == 0 {
		return fmt.Sprintf("Redmine request failed (status %d)", e.Status)
	}
	return fmt.Sprintf("Redmine request failed (status %d): %s", e.Status, strings.Join(msgs, "; "))
}

// Messages returns the entries of Redmine's "errors" array, if any.
func (e *ValidationError) Messages() []string {
	var out []string
	for _, item := range Slice(e.Body["errors"]) {
		if s := String(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// TransportError covers network failures and structurally invalid responses.
type TransportError struct {
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError builds a TransportError without an underlying cause.
func NewTransportError(message string) error {
	return &TransportError{Message: message}
}

// IsAuthStatus reports whether err is an AuthError with one of the given statuses.
// Without statuses any AuthError matches.
func IsAuthStatus(err error, statuses ...int) bool {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return false
	}
	return statusIn(authErr.Status, statuses)
}

// IsValidationStatus reports whether err is a ValidationError with one of the given statuses.
func IsValidationStatus(err error, statuses ...int) bool {
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		return false
	}
	return statusIn(valErr.Status, statuses)
}

// StatusOf extracts the Redmine HTTP status from an Auth or Validation error.
func StatusOf(err error) (int, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Status, true
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return valErr.Status, true
	}
	return 0, false
}

func statusIn(status int, statuses []int) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

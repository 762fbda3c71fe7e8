package domain

import (
	"strings"

	"github.com/google/uuid"
)

// RequestContext carries the correlation id and the acting user of one bridge call.
type RequestContext struct {
	CorrelationID string
	Login         string
	Email         string
	FirstName     string
	LastName      string
}

// NewRequestContext returns a context with a freshly generated correlation id.
func NewRequestContext() RequestContext {
	return RequestContext{CorrelationID: NewCorrelationID()}
}

// NewCorrelationID generates an opaque correlation id.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// EnsureCorrelationID fills the correlation id when absent.
func (rc RequestContext) EnsureCorrelationID() RequestContext {
	if strings.TrimSpace(rc.CorrelationID) == "" {
		rc.CorrelationID = NewCorrelationID()
	}
	return rc
}

// WithoutImpersonation returns the admin variant: same correlation id, no identity.
func (rc RequestContext) WithoutImpersonation() RequestContext {
	return RequestContext{CorrelationID: rc.CorrelationID}
}

// SwitchUser returns the login to impersonate, or "" when none.
func (rc RequestContext) SwitchUser() string {
	return strings.TrimSpace(rc.Login)
}

// FullName joins first and last name.
func (rc RequestContext) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(rc.FirstName) + " " + strings.TrimSpace(rc.LastName))
}

package service

import (
	"context"

	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
)

// RedmineTransport is the part of the Redmine client the services depend on.
type RedmineTransport interface {
	Do(ctx context.Context, rc domain.RequestContext, req redmine.Request) (map[string]any, error)
	DoRaw(ctx context.Context, rc domain.RequestContext, req redmine.Request) ([]byte, error)
}

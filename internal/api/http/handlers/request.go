package handlers

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/redmine-bridge/internal/auth"
	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/observability"
	apperrors "github.com/spec-kit/redmine-bridge/pkg/util/errorutil"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// parseBody decodes the JSON body into out and validates it.
func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := validate.Struct(out); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return apperrors.NewValidationError("invalid payload", nil)
		}
		details := make(map[string]any, len(fieldErrs))
		for _, fe := range fieldErrs {
			details[fieldPath(fe.Namespace())] = fe.Tag()
		}
		return apperrors.NewValidationError("invalid payload", details)
	}
	return nil
}

// fieldPath drops the struct name from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

// requestContext builds the bridge request context from the correlation id and the caller.
func requestContext(c *fiber.Ctx) domain.RequestContext {
	rc := domain.RequestContext{}
	if id, ok := c.Locals(observability.CorrelationIDLocal).(string); ok {
		rc.CorrelationID = id
	}
	if principal, ok := auth.PrincipalFromContext(c); ok {
		rc = principal.Apply(rc)
	}
	return rc.EnsureCorrelationID()
}

func issueIDParam(c *fiber.Ctx) (int, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, apperrors.NewValidationError("invalid ticket id", map[string]any{"id": c.Params("id")})
	}
	return id, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/redmine-bridge/internal/domain"
	apperrors "github.com/spec-kit/redmine-bridge/pkg/util/errorutil"
)

const principalKey = "auth_principal"

// Principal represents the authenticated caller.
type Principal struct {
	Identity
	Scopes []string
	claims *Claims
}

// HasScope reports whether the caller was granted scope.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && p.claims.HasScope(scope)
}

// Apply copies the caller identity onto a request context.
func (p *Principal) Apply(rc domain.RequestContext) domain.RequestContext {
	if p == nil {
		return rc
	}
	rc.Login = p.Login
	rc.Email = p.Email
	rc.FirstName = p.FirstName
	rc.LastName = p.LastName
	return rc
}

// AuthMiddleware validates bearer tokens and loads principals.
type AuthMiddleware struct {
	tokens   *TokenManager
	required bool
}

// NewAuthMiddleware constructs middleware. When required is false, requests
// without a token pass through anonymously.
func NewAuthMiddleware(tokens *TokenManager, required bool) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, required: required}
}

// Required reports whether every request must carry a token.
func (m *AuthMiddleware) Required() bool {
	return m.required
}

// Handle authenticates the caller from the Authorization header.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		if m.required {
			return apperrors.NewUnauthorized("missing authorization header")
		}
		return c.Next()
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return apperrors.NewUnauthorized("invalid authorization header")
	}

	claims, err := m.tokens.ParseToken(strings.TrimSpace(parts[1]))
	if err != nil {
		return apperrors.NewUnauthorized("invalid token")
	}

	c.Locals(principalKey, &Principal{Identity: claims.Identity, Scopes: claims.Scopes, claims: claims})
	return c.Next()
}

// PrincipalFromContext retrieves the authenticated entity.
func PrincipalFromContext(c *fiber.Ctx) (*Principal, bool) {
	val := c.Locals(principalKey)
	if val == nil {
		return nil, false
	}
	principal, ok := val.(*Principal)
	return principal, ok
}

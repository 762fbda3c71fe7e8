package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/events"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
)

// UserResolution tells the orchestrator whom to impersonate.
type UserResolution struct {
	// Login to send as switch-user; empty means the service account.
	Login string
	// ExtraDescription is appended to the ticket body when the author cannot be impersonated.
	ExtraDescription string
	// UserID is the numeric Redmine id of Login when known.
	UserID int
}

// UserResolver maps the acting user of a request to a Redmine identity.
type UserResolver struct {
	transport       RedmineTransport
	internalDomains []string
	fallbackLogin   string
	dispatcher      events.Dispatcher
	logger          *zap.Logger
}

// NewUserResolver builds a resolver from the Redmine configuration.
func NewUserResolver(transport RedmineTransport, cfg config.RedmineConfig, dispatcher events.Dispatcher, logger *zap.Logger) *UserResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	domains := make([]string, 0, len(cfg.InternalEmailDomains))
	for _, d := range cfg.InternalEmailDomains {
		if d = strings.ToLower(strings.TrimLeft(strings.TrimSpace(d), "@")); d != "" {
			domains = append(domains, d)
		}
	}
	return &UserResolver{
		transport:       transport,
		internalDomains: domains,
		fallbackLogin:   strings.TrimSpace(cfg.FallbackUserLogin),
		dispatcher:      dispatcher,
		logger:          logger,
	}
}

// Resolve decides the identity for a ticket written on behalf of rc's user.
func (r *UserResolver) Resolve(ctx context.Context, rc domain.RequestContext) UserResolution {
	login := rc.SwitchUser()
	if login == "" {
		return UserResolution{}
	}
	admin := rc.WithoutImpersonation()

	if id, found := r.LookupUserID(ctx, admin, login); found {
		return UserResolution{Login: login, UserID: id}
	}

	if r.isInternalEmail(rc.Email) {
		id, err := r.provision(ctx, rc)
		if err != nil {
			r.logger.Warn("redmine.user.provision_failed",
				zap.String("login", login),
				zap.Error(err),
				zap.String("correlation_id", rc.CorrelationID))
			return UserResolution{ExtraDescription: unprovisionedUserBlock(rc)}
		}
		return UserResolution{Login: login, UserID: id}
	}

	r.logger.Info("redmine.user_fallback",
		zap.String("original_user", login),
		zap.String("fallback_user", r.fallbackLogin),
		zap.String("correlation_id", rc.CorrelationID))
	return UserResolution{Login: r.fallbackLogin, ExtraDescription: externalAuthorBlock(rc)}
}

// LookupUserID finds a user by exact login. Lookup failures count as not found.
func (r *UserResolver) LookupUserID(ctx context.Context, rc domain.RequestContext, login string) (int, bool) {
	login = strings.TrimSpace(login)
	if login == "" {
		return 0, false
	}
	query := url.Values{"name": {login}, "limit": {"1"}}
	resp, err := r.transport.Do(ctx, rc, redmine.Request{Method: http.MethodGet, Path: "/users.json?" + query.Encode()})
	if err != nil {
		r.logger.Warn("redmine.user.lookup.error",
			zap.String("login", login),
			zap.Error(err),
			zap.String("correlation_id", rc.CorrelationID))
		return 0, false
	}
	for _, user := range redmine.Maps(resp["users"]) {
		if redmine.String(user["login"]) == login {
			return redmine.Int(user["id"]), true
		}
	}
	return 0, false
}

func (r *UserResolver) provision(ctx context.Context, rc domain.RequestContext) (int, error) {
	password, err := randomPassword()
	if err != nil {
		return 0, err
	}
	login := rc.SwitchUser()
	first := strings.TrimSpace(rc.FirstName)
	if first == "" {
		first = login
	}
	last := strings.TrimSpace(rc.LastName)
	if last == "" {
		last = login
	}
	payload := map[string]any{
		"user": map[string]any{
			"login":     login,
			"firstname": first,
			"lastname":  last,
			"mail":      rc.Email,
			"password":  password,
		},
	}

	r.logger.Info("redmine.create_user",
		zap.String("login", login),
		zap.String("email", rc.Email),
		zap.String("correlation_id", rc.CorrelationID))

	resp, err := r.transport.Do(ctx, rc.WithoutImpersonation(), redmine.Request{Method: http.MethodPost, Path: "/users.json", Body: payload})
	if err != nil {
		return 0, err
	}
	id := redmine.Int(redmine.Path(resp, "user", "id"))
	publish(ctx, r.dispatcher, r.logger, events.EventUserProvisioned, rc, 0, events.UserProvisionedPayload{
		Login:  login,
		UserID: id,
		Email:  rc.Email,
	})
	return id, nil
}

func (r *UserResolver) isInternalEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, d := range r.internalDomains {
		if strings.HasSuffix(email, "@"+d) {
			return true
		}
	}
	return false
}

func externalAuthorBlock(rc domain.RequestContext) string {
	lines := []string{"---", "Contacto del autor original:"}
	if name := rc.FullName(); name != "" {
		lines = append(lines, "Nombre: "+name)
	}
	if rc.Email != "" {
		lines = append(lines, "Email: "+rc.Email)
	}
	if login := rc.SwitchUser(); login != "" {
		lines = append(lines, "Usuario: "+login)
	}
	return strings.Join(lines, "\n")
}

func unprovisionedUserBlock(rc domain.RequestContext) string {
	lines := []string{"---", "Usuario interno no aprovisionado:", "Usuario: " + rc.SwitchUser()}
	if name := rc.FullName(); name != "" {
		lines = append(lines, "Nombre: "+name)
	}
	if rc.Email != "" {
		lines = append(lines, "Email: "+rc.Email)
	}
	return strings.Join(lines, "\n")
}

func randomPassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

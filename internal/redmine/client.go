package redmine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/observability"
)

// Header names used against Redmine.
const (
	HeaderAPIKey        = "X-Redmine-API-Key"
	HeaderSwitchUser    = "X-Redmine-Switch-User"
	HeaderCorrelationID = "X-Correlation-Id"
)

const maxLoggedBody = 2000

// Request describes one call to Redmine.
// Body may be nil, a []byte or string (sent unchanged) or any JSON-encodable value.
type Request struct {
	Method  string
	Path    string
	Body    any
	Headers map[string]string
	// NoRetry disables the switch-user retry; the caller handles 412 itself.
	NoRetry bool
}

// Client executes authenticated requests against the Redmine REST API.
type Client struct {
	http     *http.Client
	baseURL  string
	apiKey   string
	username string
	password string
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewClient builds a client from configuration.
func NewClient(cfg config.RedmineConfig, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if !cfg.UseSSL && strings.HasPrefix(base, "https://") {
		base = "http://" + strings.TrimPrefix(base, "https://")
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout()},
		baseURL:  base,
		apiKey:   cfg.APIKey,
		username: cfg.Username,
		password: cfg.Password,
		logger:   logger,
		metrics:  metrics,
	}
}

// Do executes the request and decodes the JSON object in the response.
// An empty 2xx body yields an empty map.
func (c *Client) Do(ctx context.Context, rc domain.RequestContext, req Request) (map[string]any, error) {
	payload, err := c.DoRaw(ctx, rc, req)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return map[string]any{}, nil
	}
	return decodeObject(payload), nil
}

// DoRaw executes the request and returns the raw response body.
//
// When the first attempt fails with 412 and carried a switch-user header, the
// request is repeated once without impersonation.
func (c *Client) DoRaw(ctx context.Context, rc domain.RequestContext, req Request) ([]byte, error) {
	url := c.resolveURL(req.Path)
	c.logger.Info("redmine.request",
		zap.String("method", req.Method),
		zap.String("url", url),
		zap.String("correlation_id", rc.CorrelationID))

	payload, err := c.attempt(ctx, rc, req, url)
	if err == nil {
		return payload, nil
	}

	switchUser := switchUserOf(req.Headers, rc)
	if req.NoRetry || !IsAuthStatus(err, http.StatusPreconditionFailed) || switchUser == "" {
		return nil, err
	}

	c.logger.Warn("redmine.switch_user.retry_without_switch_user",
		zap.String("method", req.Method),
		zap.String("url", url),
		zap.String("switch_user", switchUser),
		zap.String("correlation_id", rc.CorrelationID))

	retry := req
	retry.Headers = stripSwitchUser(req.Headers)
	return c.attempt(ctx, rc.WithoutImpersonation(), retry, url)
}

// Get is a shorthand for a GET request.
func (c *Client) Get(ctx context.Context, rc domain.RequestContext, path string) (map[string]any, error) {
	return c.Do(ctx, rc, Request{Method: http.MethodGet, Path: path})
}

func (c *Client) attempt(ctx context.Context, rc domain.RequestContext, req Request, url string) ([]byte, error) {
	httpReq, err := c.buildRequest(ctx, rc, req, url)
	if err != nil {
		return nil, &TransportError{Message: "build redmine request", Err: err}
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.RecordRedmineCall(req.Method, 0, time.Since(start))
		c.logger.Error("redmine.transport_error",
			zap.Error(err),
			zap.String("correlation_id", rc.CorrelationID))
		return nil, &TransportError{Message: "redmine request failed", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	c.metrics.RecordRedmineCall(req.Method, resp.StatusCode, time.Since(start))
	if err != nil {
		c.logger.Error("redmine.transport_error",
			zap.Error(err),
			zap.String("correlation_id", rc.CorrelationID))
		return nil, &TransportError{Message: "read redmine response", Err: err}
	}

	c.logger.Info("redmine.response",
		zap.Int("status", resp.StatusCode),
		zap.String("correlation_id", rc.CorrelationID))

	return payload, c.classify(resp.StatusCode, payload, rc)
}

func (c *Client) classify(status int, payload []byte, rc domain.RequestContext) error {
	switch {
	case status == http.StatusPreconditionFailed:
		return &AuthError{Status: status, Message: "Redmine switch-user rejected (user not found or inactive)"}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Status: status, Message: "Redmine authentication failed"}
	case status >= http.StatusBadRequest:
		decoded := map[string]any{}
		if len(bytes.TrimSpace(payload)) > 0 {
			decoded = decodeObject(payload)
		}
		raw := string(payload)
		c.logger.Error("redmine.response.error_body",
			zap.Int("status", status),
			zap.String("body_raw", truncate(raw, maxLoggedBody)),
			zap.Any("body_decoded", decoded),
			zap.String("correlation_id", rc.CorrelationID))
		return &ValidationError{Status: status, Body: decoded, RawBody: raw}
	}
	return nil
}

func (c *Client) buildRequest(ctx context.Context, rc domain.RequestContext, req Request, url string) (*http.Request, error) {
	var body io.Reader
	contentType := ""
	switch b := req.Body.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(b)
	case string:
		body = strings.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, err
	}

	if c.apiKey != "" {
		httpReq.Header.Set(HeaderAPIKey, c.apiKey)
	} else {
		token := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
		httpReq.Header.Set("Authorization", "Basic "+token)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if rc.CorrelationID != "" {
		httpReq.Header.Set(HeaderCorrelationID, rc.CorrelationID)
	}
	if login := rc.SwitchUser(); login != "" {
		httpReq.Header.Set(HeaderSwitchUser, login)
	}
	for name, value := range req.Headers {
		if strings.EqualFold(name, HeaderSwitchUser) && strings.TrimSpace(value) == "" {
			httpReq.Header.Del(HeaderSwitchUser)
			continue
		}
		httpReq.Header.Set(name, value)
	}
	return httpReq, nil
}

func (c *Client) resolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func switchUserOf(headers map[string]string, rc domain.RequestContext) string {
	for name, value := range headers {
		if strings.EqualFold(name, HeaderSwitchUser) {
			return strings.TrimSpace(value)
		}
	}
	return rc.SwitchUser()
}

func stripSwitchUser(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if strings.EqualFold(name, HeaderSwitchUser) {
			continue
		}
		out[name] = value
	}
	return out
}

func decodeObject(payload []byte) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

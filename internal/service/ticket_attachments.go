package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/events"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
)

var base64Content = regexp.MustCompile(`^[a-zA-Z0-9/\r\n+]*={0,2}$`)

// Upload is one entry of the "uploads" array of an issue write.
type Upload struct {
	Token       string `json:"token"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
}

// CreateMessage appends a note, with optional attachments, to an issue.
func (s *TicketService) CreateMessage(ctx context.Context, rc domain.RequestContext, msg domain.Message) (domain.CreateMessageResult, error) {
	payload := s.mapper.MessagePayload(msg)

	uploads, err := s.uploadInline(ctx, rc, msg.Attachments, nil)
	if err != nil {
		return domain.CreateMessageResult{}, err
	}
	if len(uploads) > 0 {
		payload["issue"].(map[string]any)["uploads"] = uploads
	}

	if _, err := s.transport.Do(ctx, rc, redmine.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/issues/%d.json", msg.IssueID),
		Body:   payload,
	}); err != nil {
		return domain.CreateMessageResult{}, err
	}

	publish(ctx, s.dispatcher, s.logger, events.EventMessageAdded, rc, msg.IssueID, events.MessageAddedPayload{
		Visibility:  string(msg.Visibility),
		BodyPreview: preview(msg.Body, 140),
		Attachments: len(uploads),
	})
	return domain.CreateMessageResult{}, nil
}

// CreateAttachment uploads a file and attaches it to an existing issue.
func (s *TicketService) CreateAttachment(ctx context.Context, rc domain.RequestContext, att domain.Attachment) (domain.CreateAttachmentResult, error) {
	content, err := resolveContent(att.Content)
	if err != nil {
		return domain.CreateAttachmentResult{}, err
	}
	token, err := s.uploadContent(ctx, rc, content, att.Filename, nil)
	if err != nil {
		return domain.CreateAttachmentResult{}, err
	}

	payload := map[string]any{
		"issue": map[string]any{
			"uploads": []Upload{{Token: token, Filename: att.Filename, ContentType: att.ContentType}},
		},
	}
	if _, err := s.transport.Do(ctx, rc, redmine.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/issues/%d.json", att.IssueID),
		Body:   payload,
	}); err != nil {
		return domain.CreateAttachmentResult{}, err
	}

	publish(ctx, s.dispatcher, s.logger, events.EventAttachmentAdded, rc, att.IssueID, events.AttachmentAddedPayload{
		Filename: att.Filename,
		SHA256:   att.SHA256,
	})
	return domain.CreateAttachmentResult{}, nil
}

// GetAttachmentInfo returns the attachment metadata document.
func (s *TicketService) GetAttachmentInfo(ctx context.Context, rc domain.RequestContext, attachmentID int) (map[string]any, error) {
	return s.transport.Do(ctx, rc, redmine.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/attachments/%d.json", attachmentID),
	})
}

// DownloadContent fetches raw bytes, typically an attachment content_url.
func (s *TicketService) DownloadContent(ctx context.Context, rc domain.RequestContext, contentURL string) ([]byte, error) {
	return s.transport.DoRaw(ctx, rc, redmine.Request{Method: http.MethodGet, Path: contentURL})
}

func (s *TicketService) uploadInline(ctx context.Context, rc domain.RequestContext, attachments []domain.InlineAttachment, headers map[string]string) ([]Upload, error) {
	uploads := make([]Upload, 0, len(attachments))
	for _, att := range attachments {
		content, err := resolveContent(att.Content)
		if err != nil {
			return nil, err
		}
		token, err := s.uploadContent(ctx, rc, content, att.Filename, headers)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, Upload{Token: token, Filename: att.Filename, ContentType: att.ContentType})
	}
	return uploads, nil
}

func (s *TicketService) uploadContent(ctx context.Context, rc domain.RequestContext, content []byte, filename string, headers map[string]string) (string, error) {
	reqHeaders := map[string]string{"Content-Type": "application/octet-stream"}
	for k, v := range headers {
		reqHeaders[k] = v
	}

	resp, err := s.transport.Do(ctx, rc, redmine.Request{
		Method:  http.MethodPost,
		Path:    "/uploads.json?filename=" + url.QueryEscape(filename),
		Body:    decodeIfBase64(content),
		Headers: reqHeaders,
	})
	if err != nil {
		return "", err
	}

	token, ok := redmine.Path(resp, "upload", "token").(string)
	if !ok || token == "" {
		s.logger.Error("redmine.upload_missing_token",
			zap.String("filename", filename),
			zap.String("correlation_id", rc.CorrelationID))
		return "", redmine.NewTransportError("Redmine upload token missing")
	}
	return token, nil
}

// resolveContent reads content as a file when it names an existing regular file.
func resolveContent(content string) ([]byte, error) {
	if content == "" || strings.ContainsRune(content, 0) {
		return []byte(content), nil
	}
	info, err := os.Stat(content)
	if err != nil || !info.Mode().IsRegular() {
		return []byte(content), nil
	}
	data, err := os.ReadFile(content)
	if err != nil {
		return nil, &redmine.TransportError{Message: "Unable to read attachment content", Err: err}
	}
	return data, nil
}

// decodeIfBase64 decodes content that looks like strict base64 and returns
// anything else unchanged.
func decodeIfBase64(content []byte) []byte {
	if !base64Content.Match(content) {
		return content
	}
	decoded, err := base64.StdEncoding.Strict().DecodeString(string(content))
	if err != nil {
		return content
	}
	return decoded
}

func preview(body string, max int) string {
	body = strings.TrimSpace(body)
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max]) + "..."
}

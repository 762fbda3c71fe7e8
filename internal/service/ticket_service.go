package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/events"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
)

const startDateLayout = "2006-01-02"

// TicketService coordinates ticket, message and attachment workflows against Redmine.
type TicketService struct {
	transport  RedmineTransport
	catalog    *CustomFieldCatalog
	mapper     *PayloadMapper
	users      *UserResolver
	cfg        config.RedmineConfig
	dispatcher events.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	Transport  RedmineTransport
	Catalog    *CustomFieldCatalog
	Mapper     *PayloadMapper
	Users      *UserResolver
	Config     config.RedmineConfig
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
}

// BestEffortResult reports the outcome of a side operation whose failure
// must not abort the primary one.
type BestEffortResult struct {
	Operation string
	Err       error
}

// OK reports whether the side operation succeeded or had nothing to do.
func (r BestEffortResult) OK() bool {
	return r.Err == nil
}

// IssueCoreInput is the minimal issue accepted by CreateIssueCore.
type IssueCoreInput struct {
	ProjectID    int
	TrackerID    int
	Subject      string
	Description  string
	CustomFields map[int]any
}

// NewTicketService wires the ticket service.
func NewTicketService(deps TicketDependencies) *TicketService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mapper := deps.Mapper
	if mapper == nil {
		mapper = NewPayloadMapper(deps.Config.CustomFieldMap)
	}
	return &TicketService{
		transport:  deps.Transport,
		catalog:    deps.Catalog,
		mapper:     mapper,
		users:      deps.Users,
		cfg:        deps.Config,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// CreateTicket opens a plain issue on behalf of the request's user.
func (s *TicketService) CreateTicket(ctx context.Context, rc domain.RequestContext, ticket domain.Ticket, projectID, trackerID int) (domain.CreateTicketResult, error) {
	identity := s.resolveUser(ctx, rc)
	s.logBestEffort(rc, s.ensureProjectMembership(ctx, rc, projectID, identity.UserID))
	ticket = ticket.WithDescriptionSuffix(identity.ExtraDescription)

	payload, err := s.buildIssuePayload(ctx, rc, ticket, projectID, trackerID)
	if err != nil {
		return domain.CreateTicketResult{}, err
	}
	issue := payload["issue"].(map[string]any)
	if identity.UserID > 0 {
		issue["assigned_to_id"] = identity.UserID
	}

	headers := switchUserHeaders(identity.Login)
	uploads, err := s.uploadInline(ctx, rc, ticket.Attachments, headers)
	if err != nil {
		return domain.CreateTicketResult{}, err
	}
	if len(uploads) > 0 {
		issue["uploads"] = uploads
	}

	resp, err := s.transport.Do(ctx, rc, redmine.Request{
		Method:  http.MethodPost,
		Path:    "/issues.json",
		Body:    payload,
		Headers: headers,
	})
	if err != nil {
		return domain.CreateTicketResult{}, err
	}

	issueID := redmine.Int(redmine.Path(resp, "issue", "id"))
	publish(ctx, s.dispatcher, s.logger, events.EventTicketCreated, rc, issueID, events.TicketCreatedPayload{
		ProjectID: projectID,
		TrackerID: trackerID,
		Subject:   ticket.Subject,
	})
	return domain.CreateTicketResult{IssueID: issueID}, nil
}

// CreateHelpdeskTicket opens a helpdesk ticket bundling the issue with its contact.
func (s *TicketService) CreateHelpdeskTicket(ctx context.Context, rc domain.RequestContext, ticket domain.Ticket, contact domain.HelpdeskContact, projectID, trackerID int) (domain.CreateTicketResult, error) {
	identity := s.resolveUser(ctx, rc)
	s.logBestEffort(rc, s.ensureProjectMembership(ctx, rc, projectID, identity.UserID))
	ticket = ticket.WithDescriptionSuffix(identity.ExtraDescription)

	issue := map[string]any{}
	payload, err := s.buildIssuePayload(ctx, rc, ticket, projectID, trackerID)
	if err != nil {
		s.logger.Warn("redmine.helpdesk.build_issue_payload.fallback",
			zap.Error(err),
			zap.String("correlation_id", rc.CorrelationID))
	} else {
		issue = payload["issue"].(map[string]any)
	}

	if fields := mergeCustomFieldOverrides(issue["custom_fields"], ticket.CustomFieldOverrides); len(fields) > 0 {
		issue["custom_fields"] = fields
	} else {
		delete(issue, "custom_fields")
	}
	setDefault(issue, "project_id", projectID)
	setDefault(issue, "tracker_id", trackerID)
	setDefault(issue, "subject", ticket.Subject)
	setDefault(issue, "description", ticket.Description)
	if ticket.Priority != "" {
		setDefault(issue, "priority_id", MapPriority(ticket.Priority))
	}
	issue["start_date"] = s.today()

	headers := switchUserHeaders(identity.Login)
	uploads, err := s.uploadInline(ctx, rc, ticket.Attachments, headers)
	if err != nil {
		return domain.CreateTicketResult{}, err
	}
	if len(uploads) > 0 {
		issue["uploads"] = uploads
	}

	helpdesk := map[string]any{
		"issue":   dropEmpty(issue),
		"contact": contact.Payload(),
	}
	if contact.ID > 0 {
		helpdesk["contact_id"] = contact.ID
	}
	body := map[string]any{"helpdesk_ticket": helpdesk}

	s.logger.Debug("redmine.helpdesk.create.payload",
		zap.Any("payload", body),
		zap.String("switch_user", identity.Login),
		zap.String("correlation_id", rc.CorrelationID))

	send := func(rc domain.RequestContext, headers map[string]string) (domain.CreateTicketResult, error) {
		resp, err := s.transport.Do(ctx, rc, redmine.Request{
			Method:  http.MethodPost,
			Path:    "/helpdesk_tickets.json",
			Body:    body,
			Headers: headers,
			NoRetry: true,
		})
		if err != nil {
			return domain.CreateTicketResult{}, err
		}
		result := domain.CreateTicketResult{IssueID: parseHelpdeskTicketResponse(resp)}
		publish(ctx, s.dispatcher, s.logger, events.EventTicketCreated, rc, result.IssueID, events.TicketCreatedPayload{
			ProjectID: projectID,
			TrackerID: trackerID,
			Subject:   ticket.Subject,
			Helpdesk:  true,
		})
		return result, nil
	}

	result, err := send(rc, headers)
	var authErr *redmine.AuthError
	if err == nil || !errors.As(err, &authErr) {
		return result, err
	}

	s.logger.Error("redmine.helpdesk.create.auth_error",
		zap.Int("status", authErr.Status),
		zap.String("switch_user", identity.Login),
		zap.String("correlation_id", rc.CorrelationID))

	switch {
	case authErr.SwitchUserRejected():
		s.logger.Warn("redmine.helpdesk.create.retry_without_switch_user",
			zap.String("original_switch_user", identity.Login),
			zap.String("correlation_id", rc.CorrelationID))
		return send(rc.WithoutImpersonation(), switchUserHeaders(""))
	case identity.Login != "":
		if err := s.ensureCRMMembership(ctx, rc, identity.Login); err != nil {
			return domain.CreateTicketResult{}, err
		}
		s.logger.Info("redmine.helpdesk.create.retry_after_membership",
			zap.String("switch_user", identity.Login),
			zap.String("correlation_id", rc.CorrelationID))
		return send(rc, headers)
	default:
		return domain.CreateTicketResult{}, err
	}
}

// CreateHelpdeskTicketWithFallback creates a helpdesk ticket and falls back to a
// plain issue when the helpdesk endpoint is missing or forbidden.
func (s *TicketService) CreateHelpdeskTicketWithFallback(ctx context.Context, rc domain.RequestContext, ticket domain.Ticket, contact domain.HelpdeskContact, projectID, trackerID int) (domain.CreateTicketResult, error) {
	result, err := s.CreateHelpdeskTicket(ctx, rc, ticket, contact, projectID, trackerID)
	if err == nil {
		return result, nil
	}
	reason, ok := helpdeskFallbackReason(err)
	if !ok {
		return domain.CreateTicketResult{}, err
	}

	s.logger.Warn("redmine.helpdesk.fallback_to_issues",
		zap.String("reason", reason),
		zap.Error(err),
		zap.Int("project_id", projectID),
		zap.Int("tracker_id", trackerID),
		zap.String("correlation_id", rc.CorrelationID))

	description := ticket.Description
	if email := strings.TrimSpace(contact.Email); email != "" {
		description += "\n\n---\nContacto: " + email
	}

	resp, err := s.CreateIssueCore(ctx, rc, IssueCoreInput{
		ProjectID:    projectID,
		TrackerID:    trackerID,
		Subject:      ticket.Subject,
		Description:  description,
		CustomFields: numericCustomFields(ticket),
	})
	if err != nil {
		return domain.CreateTicketResult{}, err
	}

	issueID := redmine.Int(redmine.Path(resp, "issue", "id"))
	if issueID == 0 {
		issueID = redmine.Int(resp["id"])
	}
	if contact.ID > 0 && issueID > 0 {
		_, assignErr := s.AssignContactToIssue(ctx, rc, issueID, contact.ID)
		s.logBestEffort(rc, BestEffortResult{Operation: "issues.fallback.contact_assign", Err: assignErr})
	}

	publish(ctx, s.dispatcher, s.logger, events.EventHelpdeskFallbackUsed, rc, issueID, events.HelpdeskFallbackUsedPayload{
		ContactEmail: contact.Email,
		Reason:       reason,
	})
	return domain.CreateTicketResult{IssueID: issueID}, nil
}

// CreateIssueCore posts a minimal issue with numeric custom fields only.
func (s *TicketService) CreateIssueCore(ctx context.Context, rc domain.RequestContext, in IssueCoreInput) (map[string]any, error) {
	identity := s.resolveUser(ctx, rc)
	s.logBestEffort(rc, s.ensureProjectMembership(ctx, rc, in.ProjectID, identity.UserID))

	description := in.Description
	if identity.ExtraDescription != "" {
		description += "\n\n" + identity.ExtraDescription
	}

	issue := map[string]any{}
	setInt(issue, "project_id", in.ProjectID)
	setInt(issue, "tracker_id", in.TrackerID)
	setString(issue, "subject", in.Subject)
	setString(issue, "description", description)
	if fields := customFieldsByID(in.CustomFields); len(fields) > 0 {
		issue["custom_fields"] = fields
	}
	issue["start_date"] = s.today()
	if identity.UserID > 0 {
		issue["assigned_to_id"] = identity.UserID
	}

	return s.transport.Do(ctx, rc, redmine.Request{
		Method:  http.MethodPost,
		Path:    "/issues.json",
		Body:    map[string]any{"issue": issue},
		Headers: switchUserHeaders(identity.Login),
	})
}

// CreateHelpdeskTicketRaw posts a caller-built helpdesk payload with identity resolution
// and the CRM membership retry.
func (s *TicketService) CreateHelpdeskTicketRaw(ctx context.Context, rc domain.RequestContext, payload map[string]any) (map[string]any, error) {
	identity := s.resolveUser(ctx, rc)

	if helpdesk := redmine.Map(payload["helpdesk_ticket"]); helpdesk != nil {
		if issue := redmine.Map(helpdesk["issue"]); issue != nil {
			if identity.ExtraDescription != "" {
				issue["description"] = redmine.String(issue["description"]) + "\n\n" + identity.ExtraDescription
			}
			setDefault(issue, "start_date", s.today())
		} else if identity.ExtraDescription != "" {
			helpdesk["issue"] = map[string]any{"description": "\n\n" + identity.ExtraDescription}
		}
	}

	req := redmine.Request{
		Method:  http.MethodPost,
		Path:    "/helpdesk_tickets.json",
		Body:    payload,
		Headers: switchUserHeaders(identity.Login),
	}
	resp, err := s.transport.Do(ctx, rc, req)
	var authErr *redmine.AuthError
	if err == nil || !errors.As(err, &authErr) {
		return resp, err
	}

	s.logger.Warn("redmine.helpdesk.raw.auth_error",
		zap.Int("status", authErr.Status),
		zap.String("switch_user", identity.Login),
		zap.String("correlation_id", rc.CorrelationID))

	// 412 was already retried by the transport.
	if identity.Login == "" || authErr.SwitchUserRejected() {
		return nil, err
	}
	if err := s.ensureCRMMembership(ctx, rc, identity.Login); err != nil {
		return nil, err
	}
	s.logger.Info("redmine.helpdesk.raw.retry_after_membership",
		zap.String("switch_user", identity.Login),
		zap.String("correlation_id", rc.CorrelationID))
	return s.transport.Do(ctx, rc, req)
}

// buildIssuePayload resolves custom fields against the tracker catalog, autofills
// and asserts required fields, and renders the issue body.
func (s *TicketService) buildIssuePayload(ctx context.Context, rc domain.RequestContext, ticket domain.Ticket, projectID, trackerID int) (map[string]any, error) {
	fields, err := s.catalog.FieldsForTracker(ctx, rc, trackerID)
	if err != nil {
		return nil, err
	}
	nameToID, err := s.catalog.NameToIDForTracker(ctx, rc, trackerID)
	if err != nil {
		return nil, err
	}

	resolved := resolveCustomFieldsByID(ticket.CustomFields, nameToID)
	for id, value := range s.mapper.mappedFields(ticket) {
		if _, ok := resolved[id]; !ok {
			resolved[id] = value
		}
	}
	autofillRequiredCustomFields(fields, resolved)
	if err := assertRequiredCustomFields(trackerID, fields, resolved, nameToID); err != nil {
		return nil, err
	}

	payload := s.mapper.IssuePayload(ticket, projectID, trackerID, resolved)
	payload["issue"].(map[string]any)["start_date"] = s.today()
	return payload, nil
}

func resolveCustomFieldsByID(values map[string]any, nameToID map[string]int) map[int]any {
	resolved := map[int]any{}
	for key, value := range values {
		if isEmptyValue(value) {
			continue
		}
		if id, err := strconv.Atoi(strings.TrimSpace(key)); err == nil {
			if id > 0 {
				resolved[id] = value
			}
			continue
		}
		if id, ok := nameToID[NormalizeFieldName(key)]; ok {
			resolved[id] = value
		}
	}
	return resolved
}

func autofillRequiredCustomFields(fields []domain.CustomFieldDescriptor, resolved map[int]any) {
	for _, field := range fields {
		if !field.Required {
			continue
		}
		if _, ok := resolved[field.ID]; ok {
			continue
		}
		if len(field.PossibleValues) > 0 {
			resolved[field.ID] = field.PossibleValues[0]
		}
	}
}

func assertRequiredCustomFields(trackerID int, fields []domain.CustomFieldDescriptor, resolved map[int]any, nameToID map[string]int) error {
	idToName := make(map[int]string, len(nameToID))
	for name, id := range nameToID {
		idToName[id] = name
	}

	var missing domain.MissingRequiredCustomFieldsError
	for _, field := range fields {
		if !field.Required || !isEmptyValue(resolved[field.ID]) {
			continue
		}
		missing.MissingIDs = append(missing.MissingIDs, field.ID)
		if name, ok := idToName[field.ID]; ok {
			missing.MissingKeys = append(missing.MissingKeys, name)
		}
	}
	if len(missing.MissingIDs) == 0 {
		return nil
	}
	missing.TrackerID = trackerID
	return &missing
}

// mergeCustomFieldOverrides merges the payload custom fields with caller
// overrides. Overrides win on id collision and keep the original position.
func mergeCustomFieldOverrides(current any, overrides []domain.CustomFieldValue) []domain.CustomFieldValue {
	var order []int
	values := map[int]any{}
	add := func(id int, value any) {
		if id <= 0 {
			return
		}
		if _, seen := values[id]; !seen {
			order = append(order, id)
		}
		values[id] = value
	}

	switch fields := current.(type) {
	case []domain.CustomFieldValue:
		for _, f := range fields {
			add(f.ID, f.Value)
		}
	default:
		for _, f := range redmine.Maps(current) {
			add(redmine.Int(f["id"]), f["value"])
		}
	}
	for _, f := range overrides {
		if f.Value != nil {
			add(f.ID, f.Value)
		}
	}

	var out []domain.CustomFieldValue
	for _, id := range order {
		if isEmptyValue(values[id]) {
			continue
		}
		out = append(out, domain.CustomFieldValue{ID: id, Value: values[id]})
	}
	return out
}

func numericCustomFields(ticket domain.Ticket) map[int]any {
	out := map[int]any{}
	for key, value := range ticket.CustomFields {
		if id, err := strconv.Atoi(strings.TrimSpace(key)); err == nil && id > 0 {
			out[id] = value
		}
	}
	for _, f := range ticket.CustomFieldOverrides {
		if f.ID > 0 && f.Value != nil {
			out[f.ID] = f.Value
		}
	}
	return out
}

func customFieldsByID(values map[int]any) []domain.CustomFieldValue {
	ids := make([]int, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var out []domain.CustomFieldValue
	for _, id := range ids {
		if id <= 0 || isEmptyValue(values[id]) {
			continue
		}
		out = append(out, domain.CustomFieldValue{ID: id, Value: values[id]})
	}
	return out
}

func helpdeskFallbackReason(err error) (string, bool) {
	switch {
	case redmine.IsValidationStatus(err, http.StatusNotFound):
		return "helpdesk_unavailable", true
	case redmine.IsAuthStatus(err, http.StatusForbidden, http.StatusNotFound):
		return "helpdesk_forbidden", true
	default:
		return "", false
	}
}

// parseHelpdeskTicketResponse finds the issue id in the shapes the helpdesk plugin returns.
func parseHelpdeskTicketResponse(resp map[string]any) int {
	candidates := []any{
		redmine.Path(resp, "helpdesk_ticket", "id"),
		redmine.Path(resp, "helpdesk_ticket", "issue", "id"),
		redmine.Path(resp, "issue", "id"),
		resp["issue_id"],
		resp["id"],
	}
	for _, c := range candidates {
		if id := redmine.Int(c); id != 0 {
			return id
		}
	}
	return 0
}

func (s *TicketService) resolveUser(ctx context.Context, rc domain.RequestContext) UserResolution {
	if s.users == nil {
		return UserResolution{Login: rc.SwitchUser()}
	}
	return s.users.Resolve(ctx, rc)
}

// ensureProjectMembership makes the user a member of the project with the configured role.
func (s *TicketService) ensureProjectMembership(ctx context.Context, rc domain.RequestContext, projectID, userID int) BestEffortResult {
	result := BestEffortResult{Operation: "project_membership"}
	if projectID <= 0 || userID <= 0 {
		return result
	}
	admin := rc.WithoutImpersonation()
	path := fmt.Sprintf("/projects/%d/memberships.json", projectID)

	resp, err := s.transport.Do(ctx, admin, redmine.Request{Method: http.MethodGet, Path: path + "?limit=100"})
	if err != nil {
		result.Err = err
		return result
	}
	if hasMember(resp, userID) {
		return result
	}

	if _, err := s.transport.Do(ctx, admin, redmine.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   membershipPayload(userID, s.cfg.CRMRoleID),
	}); err != nil {
		result.Err = err
		return result
	}

	s.logger.Info("redmine.project_membership.created",
		zap.Int("user_id", userID),
		zap.Int("project_id", projectID),
		zap.String("correlation_id", rc.CorrelationID))
	publish(ctx, s.dispatcher, s.logger, events.EventMembershipGranted, rc, 0, events.MembershipGrantedPayload{
		Project: strconv.Itoa(projectID),
		UserID:  userID,
		RoleID:  s.cfg.CRMRoleID,
	})
	return result
}

// ensureCRMMembership grants the CRM project role to login. Lookup failures end
// the flow silently; a failed grant is returned.
func (s *TicketService) ensureCRMMembership(ctx context.Context, rc domain.RequestContext, login string) error {
	admin := rc.WithoutImpersonation()
	project := s.cfg.CRMProjectIdentifier

	s.logger.Info("redmine.crm_membership.ensure.start",
		zap.String("login", login),
		zap.String("project", project),
		zap.Int("role_id", s.cfg.CRMRoleID),
		zap.String("correlation_id", rc.CorrelationID))

	if s.users == nil {
		return nil
	}
	userID, found := s.users.LookupUserID(ctx, admin, login)
	if !found || userID <= 0 {
		s.logger.Error("redmine.crm_membership.ensure.user_not_found",
			zap.String("login", login),
			zap.String("correlation_id", rc.CorrelationID))
		return nil
	}

	path := fmt.Sprintf("/projects/%s/memberships.json", project)
	resp, err := s.transport.Do(ctx, admin, redmine.Request{Method: http.MethodGet, Path: path + "?limit=100"})
	if err != nil {
		s.logger.Error("redmine.memberships.list.error",
			zap.String("project", project),
			zap.Error(err),
			zap.String("correlation_id", rc.CorrelationID))
	} else if hasMember(resp, userID) {
		s.logger.Info("redmine.crm_membership.ensure.already_member",
			zap.String("login", login),
			zap.Int("user_id", userID),
			zap.String("correlation_id", rc.CorrelationID))
		return nil
	}

	if _, err := s.transport.Do(ctx, admin, redmine.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   membershipPayload(userID, s.cfg.CRMRoleID),
	}); err != nil {
		return fmt.Errorf("grant crm membership: %w", err)
	}

	s.logger.Info("redmine.crm_membership.ensure.create.ok",
		zap.Int("user_id", userID),
		zap.String("project", project),
		zap.String("correlation_id", rc.CorrelationID))
	publish(ctx, s.dispatcher, s.logger, events.EventMembershipGranted, rc, 0, events.MembershipGrantedPayload{
		Project: project,
		UserID:  userID,
		RoleID:  s.cfg.CRMRoleID,
	})
	return nil
}

func (s *TicketService) logBestEffort(rc domain.RequestContext, result BestEffortResult) {
	if result.OK() {
		return
	}
	s.logger.Warn("redmine.best_effort.failed",
		zap.String("operation", result.Operation),
		zap.Error(result.Err),
		zap.String("correlation_id", rc.CorrelationID))
}

func (s *TicketService) today() string {
	return s.now().Format(startDateLayout)
}

func hasMember(resp map[string]any, userID int) bool {
	for _, m := range redmine.Maps(resp["memberships"]) {
		if redmine.Int(redmine.Path(m, "user", "id")) == userID {
			return true
		}
	}
	return false
}

func membershipPayload(userID, roleID int) map[string]any {
	return map[string]any{
		"membership": map[string]any{
			"user_id":  userID,
			"role_ids": []int{roleID},
		},
	}
}

// switchUserHeaders pins the impersonated login. An empty login suppresses
// the header the transport would otherwise derive from the request context.
func switchUserHeaders(login string) map[string]string {
	return map[string]string{redmine.HeaderSwitchUser: strings.TrimSpace(login)}
}

func setDefault(m map[string]any, key string, value any) {
	if n, isInt := value.(int); isInt && n <= 0 {
		return
	}
	if _, ok := m[key]; !ok && !isEmptyValue(value) {
		m[key] = value
	}
}

func dropEmpty(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !isEmptyValue(v) {
			out[k] = v
		}
	}
	return out
}

package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
)

const (
	companyContactsLimit = 100
	contactIssuesLimit   = 100
	maxContactIssuePages = 50
)

// CompanyTicketQuery filters the by-company listing. Zero values are unset.
type CompanyTicketQuery struct {
	Company   string
	Status    string
	ProjectID int
	TrackerID int
	ClientRef string
	Page      int
	PerPage   int
}

// ListTicketsByCompany lists the issues linked to the contacts of a company.
// Redmine has no native company filter, so matching, filtering and paging happen in memory.
func (s *TicketService) ListTicketsByCompany(ctx context.Context, rc domain.RequestContext, q CompanyTicketQuery) (domain.TicketList, error) {
	empty := domain.TicketList{Items: []map[string]any{}, Page: 1}
	term := strings.TrimSpace(q.Company)
	if term == "" {
		return empty, nil
	}

	contacts, err := s.searchCompanyContacts(ctx, rc, term)
	if err != nil {
		return domain.TicketList{}, err
	}
	contacts = preferredCompanyContacts(contacts, term)
	if len(contacts) == 0 {
		s.logger.Info("redmine.tickets_by_company.no_contacts",
			zap.String("company", term),
			zap.String("correlation_id", rc.CorrelationID))
		return empty, nil
	}

	details := map[int]map[string]any{}
	var ids []int
	for _, contact := range contacts {
		contactID := redmine.Int(contact["id"])
		if contactID <= 0 {
			continue
		}
		issues, err := s.contactIssues(ctx, rc, contactID)
		if err != nil {
			return domain.TicketList{}, err
		}
		for _, issue := range issues {
			id := redmine.Int(issue["id"])
			if id <= 0 {
				continue
			}
			if _, seen := details[id]; seen {
				continue
			}
			details[id] = issue
			ids = append(ids, id)
		}
	}

	clientRefField := s.cfg.CustomFieldMap[config.FieldClienteRef]
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		issue := details[id]
		if missing := missingFilterFields(issue, q, clientRefField); len(missing) > 0 {
			issue = s.issueDetail(ctx, rc, id, issue)
			details[id] = issue
		}
		if matchesCompanyQuery(issue, q, clientRefField) {
			items = append(items, issue)
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return redmine.Int(items[i]["id"]) > redmine.Int(items[j]["id"])
	})
	return paginate(items, q.Page, q.PerPage), nil
}

func (s *TicketService) searchCompanyContacts(ctx context.Context, rc domain.RequestContext, term string) ([]map[string]any, error) {
	path := s.cfg.ContactsPath
	if path == "" {
		return nil, redmine.NewTransportError("Contacts API path not configured")
	}
	params := url.Values{"search": {term}, "limit": {strconv.Itoa(companyContactsLimit)}}
	resp, err := s.transport.Do(ctx, rc, redmine.Request{Method: http.MethodGet, Path: withQuery(path, params)})
	if err != nil {
		return nil, err
	}
	return redmine.Maps(resp["contacts"]), nil
}

// preferredCompanyContacts keeps exact company matches, else exact first-name
// matches, else contacts whose company contains the term. Companies go first.
func preferredCompanyContacts(contacts []map[string]any, term string) []map[string]any {
	key := NormalizeFieldName(term)
	if key == "" {
		return nil
	}

	var byCompany, byFirstName, byContains []map[string]any
	for _, c := range contacts {
		company := NormalizeFieldName(redmine.String(c["company"]))
		switch {
		case company == key:
			byCompany = append(byCompany, c)
		case NormalizeFieldName(redmine.String(c["first_name"])) == key:
			byFirstName = append(byFirstName, c)
		case company != "" && strings.Contains(company, key):
			byContains = append(byContains, c)
		}
	}

	chosen := byCompany
	if len(chosen) == 0 {
		chosen = byFirstName
	}
	if len(chosen) == 0 {
		chosen = byContains
	}
	sort.SliceStable(chosen, func(i, j int) bool {
		return redmine.Bool(chosen[i]["is_company"]) && !redmine.Bool(chosen[j]["is_company"])
	})
	return chosen
}

func (s *TicketService) contactIssues(ctx context.Context, rc domain.RequestContext, contactID int) ([]map[string]any, error) {
	var all []map[string]any
	for page := 1; page <= maxContactIssuePages; page++ {
		params := url.Values{
			"contact_id": {strconv.Itoa(contactID)},
			"status_id":  {"*"},
			"page":       {strconv.Itoa(page)},
			"limit":      {strconv.Itoa(contactIssuesLimit)},
		}
		resp, err := s.transport.Do(ctx, rc, redmine.Request{Method: http.MethodGet, Path: withQuery("/issues.json", params)})
		if err != nil {
			return nil, err
		}
		issues := redmine.Maps(resp["issues"])
		all = append(all, issues...)
		if len(issues) < contactIssuesLimit {
			break
		}
	}
	return all, nil
}

// issueDetail enriches a list item through the helpdesk endpoint, then the
// plain issue endpoint. Failures keep the list item.
func (s *TicketService) issueDetail(ctx context.Context, rc domain.RequestContext, issueID int, fallback map[string]any) map[string]any {
	resp, err := s.transport.Do(ctx, rc, redmine.Request{Method: http.MethodGet, Path: fmt.Sprintf("/helpdesk_tickets/%d.json", issueID)})
	if err == nil {
		if issue := redmine.Map(redmine.Path(resp, "helpdesk_ticket", "issue")); issue != nil {
			return issue
		}
		if issue := redmine.Map(resp["issue"]); issue != nil {
			return issue
		}
	}

	resp, err = s.transport.Do(ctx, rc, redmine.Request{Method: http.MethodGet, Path: fmt.Sprintf("/issues/%d.json", issueID)})
	if err != nil {
		s.logger.Warn("redmine.tickets_by_company.detail_failed",
			zap.Int("issue_id", issueID),
			zap.Error(err),
			zap.String("correlation_id", rc.CorrelationID))
		return fallback
	}
	if issue := redmine.Map(resp["issue"]); issue != nil {
		return issue
	}
	return fallback
}

func missingFilterFields(issue map[string]any, q CompanyTicketQuery, clientRefField int) []string {
	var missing []string
	need := func(active bool, key string) {
		if !active {
			return
		}
		if _, ok := issue[key]; !ok {
			missing = append(missing, key)
		}
	}
	need(statusFilterActive(q.Status), "status")
	need(q.ProjectID > 0, "project")
	need(q.TrackerID > 0, "tracker")
	need(q.ClientRef != "" && clientRefField > 0, "custom_fields")
	return missing
}

func matchesCompanyQuery(issue map[string]any, q CompanyTicketQuery, clientRefField int) bool {
	if statusFilterActive(q.Status) && !matchesStatus(redmine.Map(issue["status"]), q.Status) {
		return false
	}
	if q.ProjectID > 0 && redmine.Int(redmine.Path(issue, "project", "id")) != q.ProjectID {
		return false
	}
	if q.TrackerID > 0 && redmine.Int(redmine.Path(issue, "tracker", "id")) != q.TrackerID {
		return false
	}
	if q.ClientRef != "" && clientRefField > 0 && customFieldValue(issue, clientRefField) != q.ClientRef {
		return false
	}
	return true
}

func statusFilterActive(status string) bool {
	status = strings.TrimSpace(status)
	return status != "" && status != "*"
}

func matchesStatus(status map[string]any, want string) bool {
	want = strings.TrimSpace(want)
	switch strings.ToLower(want) {
	case "open":
		return !redmine.Bool(status["is_closed"])
	case "closed":
		return redmine.Bool(status["is_closed"])
	}
	if id, err := strconv.Atoi(want); err == nil {
		return redmine.Int(status["id"]) == id
	}
	return strings.EqualFold(redmine.String(status["name"]), want)
}

func customFieldValue(issue map[string]any, fieldID int) string {
	for _, cf := range redmine.Maps(issue["custom_fields"]) {
		if redmine.Int(cf["id"]) == fieldID {
			return redmine.String(cf["value"])
		}
	}
	return ""
}

func paginate(items []map[string]any, page, perPage int) domain.TicketList {
	total := len(items)
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		return domain.TicketList{Items: items, Total: total, Page: page, PerPage: total}
	}
	start := total
	if page-1 <= total/perPage {
		start = min((page-1)*perPage, total)
	}
	end := total
	if perPage < total-start {
		end = start + perPage
	}
	return domain.TicketList{Items: items[start:end], Total: total, Page: page, PerPage: perPage}
}

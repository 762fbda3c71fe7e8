package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
)

// TicketListFilter describes the listing filters. Zero values are unset.
type TicketListFilter struct {
	Status    string
	Page      int
	PerPage   int
	ClientRef string
	Company   string
}

// ListTickets lists issues by status, client reference and company.
func (s *TicketService) ListTickets(ctx context.Context, rc domain.RequestContext, filter TicketListFilter) (domain.TicketList, error) {
	filters := map[string]any{}
	if filter.Status != "" {
		filters["status_id"] = filter.Status
	}
	if filter.ClientRef != "" {
		if id := s.cfg.CustomFieldMap[config.FieldClienteRef]; id > 0 {
			filters["cf_"+strconv.Itoa(id)] = filter.ClientRef
		}
	}

	params := ticketQueryParams(filters, nil, filter.Page, filter.PerPage)
	if filter.Company != "" {
		params.Set("set_filter", "1")
		params.Set("f[]", "customer_company")
		params.Set("op[customer_company]", "=")
		params.Set("v[customer_company][]", filter.Company)
	}
	return s.fetchTicketList(ctx, rc, params, filter.Page, filter.PerPage)
}

// QueryTickets lists issues using arbitrary Redmine filters and an optional column selection.
func (s *TicketService) QueryTickets(ctx context.Context, rc domain.RequestContext, filters map[string]any, selectFields []string, page, perPage int) (domain.TicketList, error) {
	return s.fetchTicketList(ctx, rc, ticketQueryParams(filters, selectFields, page, perPage), page, perPage)
}

// GetTicket fetches one issue, optionally restricted to selected fields.
func (s *TicketService) GetTicket(ctx context.Context, rc domain.RequestContext, issueID int, selectFields []string) (domain.TicketDetail, error) {
	params := ticketQueryParams(nil, selectFields, 0, 0)
	resp, err := s.transport.Do(ctx, rc, redmine.Request{
		Method: http.MethodGet,
		Path:   withQuery(fmt.Sprintf("/issues/%d.json", issueID), params),
	})
	if err != nil {
		return domain.TicketDetail{}, err
	}
	issue := redmine.Map(resp["issue"])
	if issue == nil {
		issue = map[string]any{}
	}
	return domain.TicketDetail{Issue: issue}, nil
}

// GetIssueWithDetails fetches an issue with journals, attachments, relations and watchers.
func (s *TicketService) GetIssueWithDetails(ctx context.Context, rc domain.RequestContext, issueID int) (map[string]any, error) {
	return s.getIssueIncluding(ctx, rc, issueID, "journals,attachments,relations,watchers")
}

// GetIssueBasic fetches an issue with journals and attachments.
func (s *TicketService) GetIssueBasic(ctx context.Context, rc domain.RequestContext, issueID int) (map[string]any, error) {
	return s.getIssueIncluding(ctx, rc, issueID, "journals,attachments")
}

// UpdateIssueSubject renames an issue.
func (s *TicketService) UpdateIssueSubject(ctx context.Context, rc domain.RequestContext, issueID int, subject string) (map[string]any, error) {
	return s.updateIssue(ctx, rc, issueID, map[string]any{"subject": subject})
}

// AssignContactToIssue links a CRM contact to an issue.
func (s *TicketService) AssignContactToIssue(ctx context.Context, rc domain.RequestContext, issueID, contactID int) (map[string]any, error) {
	return s.updateIssue(ctx, rc, issueID, map[string]any{"contact_id": contactID})
}

func (s *TicketService) getIssueIncluding(ctx context.Context, rc domain.RequestContext, issueID int, include string) (map[string]any, error) {
	params := url.Values{"include": {include}}
	return s.transport.Do(ctx, rc, redmine.Request{
		Method: http.MethodGet,
		Path:   withQuery(fmt.Sprintf("/issues/%d.json", issueID), params),
	})
}

func (s *TicketService) updateIssue(ctx context.Context, rc domain.RequestContext, issueID int, fields map[string]any) (map[string]any, error) {
	return s.transport.Do(ctx, rc, redmine.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/issues/%d.json", issueID),
		Body:   map[string]any{"issue": fields},
	})
}

func (s *TicketService) fetchTicketList(ctx context.Context, rc domain.RequestContext, params url.Values, page, perPage int) (domain.TicketList, error) {
	resp, err := s.transport.Do(ctx, rc, redmine.Request{
		Method: http.MethodGet,
		Path:   withQuery("/issues.json", params),
	})
	if err != nil {
		return domain.TicketList{}, err
	}

	items := redmine.Maps(resp["issues"])
	total := len(items)
	if _, ok := resp["total_count"]; ok {
		total = redmine.Int(resp["total_count"])
	}
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = len(items)
	}
	return domain.TicketList{Items: items, Total: total, Page: page, PerPage: perPage}, nil
}

func ticketQueryParams(filters map[string]any, selectFields []string, page, perPage int) url.Values {
	params := url.Values{}
	for key, value := range filters {
		switch v := value.(type) {
		case nil:
		case []string:
			for _, item := range v {
				params.Add(key, item)
			}
		case string:
			params.Set(key, v)
		default:
			params.Set(key, fmt.Sprint(v))
		}
	}

	var selected []string
	for _, field := range selectFields {
		if field = strings.TrimSpace(field); field != "" {
			selected = append(selected, field)
		}
	}
	if len(selected) > 0 {
		params.Set("select", strings.Join(selected, ","))
	}
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		params.Set("limit", strconv.Itoa(perPage))
	}
	return params
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

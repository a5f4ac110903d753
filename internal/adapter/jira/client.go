package jira

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/andygrunwald/go-jira"
	"github.com/example/subscription-approval/internal/domain"
)

type Config struct {
	BaseURL          string
	Username         string
	Token            string
	ApprovedStatuses []string
	RejectedStatuses []string
}

// Client — адаптер системы тикетов Jira.
type Client struct {
	api      *jira.Client
	approved map[string]bool
	rejected map[string]bool
}

func New(cfg Config) (*Client, error) {
	tp := jira.BasicAuthTransport{
		Username: cfg.Username,
		Password: cfg.Token,
	}
	api, err := jira.NewClient(tp.Client(), cfg.BaseURL)
	if err != nil {
		return nil, domain.Configuration("jira client", err)
	}
	return &Client{
		api:      api,
		approved: statusSet(cfg.ApprovedStatuses),
		rejected: statusSet(cfg.RejectedStatuses),
	}, nil
}

func statusSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(strings.TrimSpace(n))] = true
	}
	return set
}

func (c *Client) Create(ctx context.Context, spec domain.TicketSpec) (string, error) {
	fields := &jira.IssueFields{
		Type:        jira.IssueType{ID: spec.IssueType},
		Project:     jira.Project{Key: spec.ProjectKey},
		Summary:     spec.Summary,
		Description: spec.Description,
		Labels:      spec.Labels,
	}
	if spec.ApproverID != "" {
		fields.Assignee = &jira.User{AccountID: spec.ApproverID}
	}
	issue, resp, err := c.api.Issue.CreateWithContext(ctx, &jira.Issue{Fields: fields})
	if err != nil {
		return "", classify("create issue", resp, err)
	}
	return issue.Key, nil
}

func (c *Client) Get(ctx context.Context, key string) (domain.TicketState, error) {
	issue, resp, err := c.api.Issue.GetWithContext(ctx, key, &jira.GetQueryOptions{Fields: "status,assignee"})
	if err != nil {
		return domain.TicketState{}, classify("get issue", resp, err)
	}
	var state domain.TicketState
	state.Status = domain.TicketOpen
	if issue.Fields == nil {
		return state, nil
	}
	if issue.Fields.Status != nil {
		state.Status = c.status(issue.Fields.Status.Name)
	}
	if issue.Fields.Assignee != nil {
		state.Approver = issue.Fields.Assignee.DisplayName
	}
	return state, nil
}

// Find looks the issue up by the request label.
func (c *Client) Find(ctx context.Context, requestID string) (string, bool, error) {
	jql := fmt.Sprintf(`labels = "%s" ORDER BY created ASC`, domain.TicketLabel(requestID))
	issues, resp, err := c.api.Issue.SearchWithContext(ctx, jql, &jira.SearchOptions{MaxResults: 1, Fields: []string{"key"}})
	if err != nil {
		return "", false, classify("search issues", resp, err)
	}
	if len(issues) == 0 {
		return "", false, nil
	}
	return issues[0].Key, true, nil
}

func (c *Client) status(name string) domain.TicketStatus {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case c.approved[n]:
		return domain.TicketApproved
	case c.rejected[n]:
		return domain.TicketRejected
	}
	return domain.TicketOpen
}

// classify maps the Jira HTTP answer onto the error taxonomy.
func classify(op string, resp *jira.Response, err error) error {
	if resp == nil || resp.Response == nil {
		return domain.Transient(op, err)
	}
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return domain.Transient(op, err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.Credential(op, err)
	case code == http.StatusBadRequest:
		return domain.Configuration(op, err)
	}
	return domain.Remote(op, err)
}

var (
	_ domain.TicketClient = (*Client)(nil)
	_ domain.TicketFinder = (*Client)(nil)
)

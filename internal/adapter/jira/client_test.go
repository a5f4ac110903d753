package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/subscription-approval/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		BaseURL:          srv.URL,
		Username:         "bot@example.com",
		Token:            "api-token",
		ApprovedStatuses: []string{"Approved", "Accepted"},
		RejectedStatuses: []string{"Rejected"},
	})
	require.NoError(t, err)
	return c
}

func TestCreateSendsIssueFields(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/api/2/issue", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bot@example.com", user)
		assert.Equal(t, "api-token", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10001","key":"DATA-1"}`))
	}))

	key, err := c.Create(context.Background(), domain.TicketSpec{
		RequestID:   "req-1",
		ApproverID:  "712020:approver",
		ProjectKey:  "DATA",
		IssueType:   "10004",
		Summary:     "Subscription request created for sales_orders",
		Description: "*Request Reason:* quarterly report",
		Labels:      []string{"subscription-req-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "DATA-1", key)

	fields := got["fields"].(map[string]any)
	assert.Equal(t, "DATA", fields["project"].(map[string]any)["key"])
	assert.Equal(t, "10004", fields["issuetype"].(map[string]any)["id"])
	assert.Equal(t, "712020:approver", fields["assignee"].(map[string]any)["accountId"])
	assert.Equal(t, []any{"subscription-req-1"}, fields["labels"])
}

func TestGetMapsStatusAndAssignee(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   domain.TicketStatus
	}{
		{"approved", "Approved", domain.TicketApproved},
		{"accepted alias, any case", "accepted", domain.TicketApproved},
		{"rejected", "Rejected", domain.TicketRejected},
		{"anything else is open", "In Progress", domain.TicketOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/rest/api/2/issue/DATA-1", r.URL.Path)
				assert.Equal(t, "status,assignee", r.URL.Query().Get("fields"))
				_ = json.NewEncoder(w).Encode(map[string]any{
					"key": "DATA-1",
					"fields": map[string]any{
						"status":   map[string]any{"name": tt.status},
						"assignee": map[string]any{"displayName": "Alice Approver"},
					},
				})
			}))

			state, err := c.Get(context.Background(), "DATA-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, state.Status)
			assert.Equal(t, "Alice Approver", state.Approver)
		})
	}
}

func TestFindSearchesByLabel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/search", r.URL.Path)
		if r.URL.Query().Get("jql") == `labels = "subscription-req-1" ORDER BY created ASC` {
			_, _ = w.Write([]byte(`{"total":1,"issues":[{"key":"DATA-7"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"total":0,"issues":[]}`))
	}))

	key, ok, err := c.Find(context.Background(), "req-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "DATA-7", key)

	_, ok, err = c.Find(context.Background(), "req-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestErrorsAreClassified(t *testing.T) {
	tests := []struct {
		code int
		want domain.Kind
	}{
		{http.StatusTooManyRequests, domain.KindTransient},
		{http.StatusBadGateway, domain.KindTransient},
		{http.StatusUnauthorized, domain.KindCredential},
		{http.StatusForbidden, domain.KindCredential},
		{http.StatusBadRequest, domain.KindConfiguration},
		{http.StatusNotFound, domain.KindRemote},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(`{"errorMessages":["nope"]}`))
			}))
			_, err := c.Get(context.Background(), "DATA-1")
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.KindOf(err))
		})
	}
}

func TestUnreachableServerIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Create(context.Background(), domain.TicketSpec{ProjectKey: "DATA"})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

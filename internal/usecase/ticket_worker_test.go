package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/subscription-approval/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrGetTicketCreatesOnce(t *testing.T) {
	client := &scriptedClient{statuses: []domain.TicketStatus{domain.TicketOpen}}
	h := newHarness(t, domain.ModeDirectPolling, client)
	ctx := context.Background()

	first, err := h.worker.CreateOrGetTicket(ctx, request("req-1"))
	require.NoError(t, err)
	assert.Equal(t, "APPR-1", first.ExternalID)
	assert.Equal(t, domain.TicketOpen, first.Status)

	second, err := h.worker.CreateOrGetTicket(ctx, request("req-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ExternalID, second.ExternalID)

	creates, gets := client.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, gets, "existing open ticket is refreshed with a single read")
}

func TestCreateOrGetTicketConcurrentCallersShareOneTicket(t *testing.T) {
	client := &scriptedClient{}
	h := newHarness(t, domain.ModeDirectPolling, client)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, err := h.worker.CreateOrGetTicket(context.Background(), request("req-1"))
			assert.NoError(t, err)
			ids[i] = tk.ExternalID
		}(i)
	}
	wg.Wait()

	creates, _ := client.counts()
	assert.Equal(t, 1, creates)
	for _, id := range ids {
		assert.Equal(t, "APPR-1", id)
	}
}

func TestCreateOrGetTicketRecoversClaimThroughFinder(t *testing.T) {
	client := &finderClient{
		scriptedClient: &scriptedClient{statuses: []domain.TicketStatus{domain.TicketApproved}, approver: "bob"},
		found:          map[string]string{"req-1": "APPR-77"},
	}
	h := newHarness(t, domain.ModeDirectPolling, client)
	ctx := context.Background()
	_, created, err := h.tickets.Claim(ctx, domain.Ticket{RequestID: "req-1", Status: domain.TicketOpen})
	require.NoError(t, err)
	require.True(t, created)

	tk, err := h.worker.CreateOrGetTicket(ctx, request("req-1"))
	require.NoError(t, err)
	assert.Equal(t, "APPR-77", tk.ExternalID)
	assert.Equal(t, domain.TicketApproved, tk.Status)
	assert.Equal(t, "bob", tk.Approver)

	creates, _ := client.counts()
	assert.Zero(t, creates)
}

func TestCreateOrGetTicketReissuesClaimWithoutFinder(t *testing.T) {
	client := &scriptedClient{}
	h := newHarness(t, domain.ModeDirectPolling, client)
	ctx := context.Background()
	_, _, err := h.tickets.Claim(ctx, domain.Ticket{RequestID: "req-1", Status: domain.TicketOpen})
	require.NoError(t, err)

	tk, err := h.worker.CreateOrGetTicket(ctx, request("req-1"))
	require.NoError(t, err)
	assert.Equal(t, "APPR-1", tk.ExternalID)

	stored, err := h.tickets.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, stored.Issued())
}

type describingCatalog struct{}

func (describingCatalog) Describe(ctx context.Context, req domain.SubscriptionRequest) (domain.SubscriptionRequest, error) {
	req.ListingName = "sales_orders"
	req.OwnerProjectName = "Sales Analytics"
	req.RequestReason = "quarterly report"
	req.RequestedAt = time.Date(2024, 2, 28, 12, 0, 0, 0, time.UTC)
	return req, nil
}

func TestCreateOrGetTicketBuildsTicketFromCatalog(t *testing.T) {
	client := &scriptedClient{}
	h := newHarness(t, domain.ModeDirectPolling, client)
	h.worker.Catalog = describingCatalog{}

	_, err := h.worker.CreateOrGetTicket(context.Background(), request("req-1"))
	require.NoError(t, err)

	require.Len(t, client.specs, 1)
	spec := client.specs[0]
	assert.Equal(t, "Subscription request created for sales_orders", spec.Summary)
	assert.Equal(t, "DATA", spec.ProjectKey)
	assert.Equal(t, "10004", spec.IssueType)
	assert.Equal(t, "approver-1", spec.ApproverID)
	assert.Equal(t, []string{"subscription-req-1", "Sales-Analytics"}, spec.Labels)
	assert.Contains(t, spec.Description, "*Request Reason:* quarterly report")
	assert.Contains(t, spec.Description, "*Request Date:* 2024-02-28T12:00:00Z")
}

func TestCreateOrGetTicketClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind domain.Kind
	}{
		{"unclassified is transient", errors.New("connection reset"), domain.KindTransient},
		{"configuration kept", domain.Configuration("create issue", errors.New("400")), domain.KindConfiguration},
		{"credential kept", domain.Credential("create issue", errors.New("401")), domain.KindCredential},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &scriptedClient{createErrs: []error{tc.err}}
			h := newHarness(t, domain.ModeDirectPolling, client)
			_, err := h.worker.CreateOrGetTicket(context.Background(), request("req-1"))
			require.Error(t, err)
			assert.Equal(t, tc.kind, domain.KindOf(err))
		})
	}
}

func TestPollStatusSkipsResolvedTicket(t *testing.T) {
	client := &scriptedClient{}
	h := newHarness(t, domain.ModeDirectPolling, client)
	ctx := context.Background()
	_, _, err := h.tickets.Claim(ctx, domain.Ticket{
		RequestID:  "req-1",
		ExternalID: "APPR-5",
		Status:     domain.TicketRejected,
		Approver:   "carol",
	})
	require.NoError(t, err)

	tk, err := h.worker.PollStatus(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketRejected, tk.Status)
	_, gets := client.counts()
	assert.Zero(t, gets)
}

func TestPollStatusRecordsObservedStatus(t *testing.T) {
	client := &scriptedClient{statuses: []domain.TicketStatus{domain.TicketApproved}, approver: "dave"}
	h := newHarness(t, domain.ModeDirectPolling, client)
	ctx := context.Background()
	_, _, err := h.tickets.Claim(ctx, domain.Ticket{RequestID: "req-1", ExternalID: "APPR-5", Status: domain.TicketOpen})
	require.NoError(t, err)

	_, err = h.worker.PollStatus(ctx, "req-1")
	require.NoError(t, err)

	stored, err := h.tickets.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketApproved, stored.Status)
	assert.Equal(t, "dave", stored.Approver)
	assert.Equal(t, epoch, stored.UpdatedAt)
}

func TestPollStatusUnknownRequest(t *testing.T) {
	h := newHarness(t, domain.ModeDirectPolling, &scriptedClient{})
	_, err := h.worker.PollStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, domain.KindRemote, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPollStatusRejectsUnknownStatus(t *testing.T) {
	client := &scriptedClient{statuses: []domain.TicketStatus{"In Review"}}
	h := newHarness(t, domain.ModeDirectPolling, client)
	ctx := context.Background()
	_, _, err := h.tickets.Claim(ctx, domain.Ticket{RequestID: "req-1", ExternalID: "APPR-5", Status: domain.TicketOpen})
	require.NoError(t, err)

	_, err = h.worker.PollStatus(ctx, "req-1")
	require.Error(t, err)
	assert.Equal(t, domain.KindRemote, domain.KindOf(err))
}

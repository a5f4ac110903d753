package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/subscription-approval/internal/clock"
	"github.com/example/subscription-approval/internal/domain"
	"github.com/example/subscription-approval/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TicketWorker — идемпотентное создание тикета и чтение его статуса.
// Все обращения к системе тикетов проходят через Gate: не более одного одновременно.
type TicketWorker struct {
	Client     domain.TicketClient
	Store      domain.TicketStore
	Gate       domain.Gate
	Catalog    domain.CatalogReader
	Throttle   *rate.Limiter
	Clock      clock.Clock
	ProjectKey string
	IssueType  string
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// CreateOrGetTicket возвращает тикет запроса, создавая его ровно один раз.
// Повторный вызов с тем же req.ID только читает уже созданный тикет.
func (w *TicketWorker) CreateOrGetTicket(ctx context.Context, req domain.SubscriptionRequest) (domain.Ticket, error) {
	if req.ID == "" {
		return domain.Ticket{}, domain.Configuration("create ticket", domain.ErrValidation)
	}
	release, err := w.Gate.Acquire(ctx)
	if err != nil {
		return domain.Ticket{}, domain.Transient("create ticket", err)
	}
	defer release()

	t, err := w.Store.Get(ctx, req.ID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		now := w.Clock.Now()
		var created bool
		t, created, err = w.Store.Claim(ctx, domain.Ticket{
			RequestID: req.ID,
			Status:    domain.TicketOpen,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return domain.Ticket{}, domain.Transient("claim ticket", err)
		}
		if created {
			return w.issue(ctx, req, t)
		}
	default:
		return domain.Ticket{}, domain.Transient("load ticket", err)
	}

	if !t.Issued() {
		// claimed earlier but the external id was never stored
		return w.recoverClaim(ctx, req, t)
	}
	if t.Status.Resolved() {
		return t, nil
	}
	return w.refresh(ctx, t)
}

// PollStatus reads the ticket status without side effects beyond recording it.
// A ticket already known to be resolved is returned without calling the ticket system.
func (w *TicketWorker) PollStatus(ctx context.Context, requestID string) (domain.Ticket, error) {
	release, err := w.Gate.Acquire(ctx)
	if err != nil {
		return domain.Ticket{}, domain.Transient("poll ticket", err)
	}
	defer release()

	t, err := w.Store.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Ticket{}, domain.Remote("poll ticket", fmt.Errorf("no ticket for request %s: %w", requestID, err))
		}
		return domain.Ticket{}, domain.Transient("load ticket", err)
	}
	if !t.Issued() {
		return domain.Ticket{}, domain.Transient("poll ticket", fmt.Errorf("ticket for request %s is not issued yet", requestID))
	}
	if t.Status.Resolved() {
		return t, nil
	}
	return w.refresh(ctx, t)
}

func (w *TicketWorker) refresh(ctx context.Context, t domain.Ticket) (domain.Ticket, error) {
	if err := w.throttle(ctx); err != nil {
		return domain.Ticket{}, err
	}
	state, err := w.Client.Get(ctx, t.ExternalID)
	w.Metrics.TicketCall("get", err)
	if err != nil {
		return domain.Ticket{}, classify("get ticket", err)
	}
	if !state.Status.Valid() {
		return domain.Ticket{}, domain.Remote("get ticket", fmt.Errorf("unknown ticket status %q", state.Status))
	}
	if state.Status == t.Status && state.Approver == t.Approver {
		return t, nil
	}
	t.Status = state.Status
	t.Approver = state.Approver
	t.UpdatedAt = w.Clock.Now()
	if err := w.Store.Update(ctx, t); err != nil {
		return domain.Ticket{}, domain.Transient("store ticket", err)
	}
	w.Logger.Info("ticket status changed",
		zap.String("request_id", t.RequestID),
		zap.String("ticket", t.ExternalID),
		zap.String("status", string(t.Status)))
	return t, nil
}

func (w *TicketWorker) recoverClaim(ctx context.Context, req domain.SubscriptionRequest, t domain.Ticket) (domain.Ticket, error) {
	finder, ok := w.Client.(domain.TicketFinder)
	if !ok {
		return w.issue(ctx, req, t)
	}
	if err := w.throttle(ctx); err != nil {
		return domain.Ticket{}, err
	}
	id, found, err := finder.Find(ctx, req.ID)
	w.Metrics.TicketCall("find", err)
	if err != nil {
		return domain.Ticket{}, classify("find ticket", err)
	}
	if !found {
		return w.issue(ctx, req, t)
	}
	w.Logger.Info("recovered ticket for claimed request",
		zap.String("request_id", req.ID),
		zap.String("ticket", id))
	t.ExternalID = id
	t.UpdatedAt = w.Clock.Now()
	if err := w.Store.Update(ctx, t); err != nil {
		return domain.Ticket{}, domain.Transient("store ticket", err)
	}
	return w.refresh(ctx, t)
}

func (w *TicketWorker) issue(ctx context.Context, req domain.SubscriptionRequest, t domain.Ticket) (domain.Ticket, error) {
	spec, err := w.spec(ctx, req)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := w.throttle(ctx); err != nil {
		return domain.Ticket{}, err
	}
	id, err := w.Client.Create(ctx, spec)
	w.Metrics.TicketCall("create", err)
	if err != nil {
		return domain.Ticket{}, classify("create ticket", err)
	}
	t.ExternalID = id
	t.Status = domain.TicketOpen
	t.UpdatedAt = w.Clock.Now()
	if err := w.Store.Update(ctx, t); err != nil {
		return domain.Ticket{}, domain.Transient("store ticket", err)
	}
	w.Logger.Info("created ticket",
		zap.String("request_id", req.ID),
		zap.String("ticket", id))
	return t, nil
}

func (w *TicketWorker) spec(ctx context.Context, req domain.SubscriptionRequest) (domain.TicketSpec, error) {
	if w.Catalog != nil {
		described, err := w.Catalog.Describe(ctx, req)
		if err != nil {
			return domain.TicketSpec{}, classify("describe subscription", err)
		}
		req = described
	}
	subject := req.ListingName
	if subject == "" {
		subject = req.ID
	}
	labels := []string{domain.TicketLabel(req.ID)}
	if req.OwnerProjectName != "" {
		labels = append(labels, strings.ReplaceAll(req.OwnerProjectName, " ", "-"))
	}
	return domain.TicketSpec{
		RequestID:   req.ID,
		ApproverID:  req.ApproverID,
		ProjectKey:  w.ProjectKey,
		IssueType:   w.IssueType,
		Summary:     "Subscription request created for " + subject,
		Description: describe(req),
		Labels:      labels,
	}, nil
}

func describe(req domain.SubscriptionRequest) string {
	var b strings.Builder
	line := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "*%s:* %s\n", name, value)
		}
	}
	line("Domain Id", req.DomainID)
	line("Request Id", req.ID)
	line("Requester", req.RequesterID)
	line("Project subscriber", req.ProjectName)
	if !req.RequestedAt.IsZero() {
		line("Request Date", req.RequestedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	line("Request Reason", req.RequestReason)
	line("Data Name", req.ListingName)
	line("Data Project Name", req.OwnerProjectName)
	return b.String()
}

func (w *TicketWorker) throttle(ctx context.Context) error {
	if w.Throttle == nil {
		return nil
	}
	if err := w.Throttle.Wait(ctx); err != nil {
		return domain.Transient("throttle", err)
	}
	return nil
}

// classify treats errors the adapter did not classify as transient.
func classify(op string, err error) error {
	if domain.KindOf(err) != 0 {
		return err
	}
	return domain.Transient(op, err)
}

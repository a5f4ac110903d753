package usecase_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/subscription-approval/internal/adapter/cache"
	"github.com/example/subscription-approval/internal/adapter/gate"
	"github.com/example/subscription-approval/internal/adapter/memqueue"
	"github.com/example/subscription-approval/internal/clock"
	"github.com/example/subscription-approval/internal/domain"
	"github.com/example/subscription-approval/internal/usecase"
	"go.uber.org/zap"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// scriptedClient answers Get with statuses in order; the last one repeats.
type scriptedClient struct {
	mu         sync.Mutex
	statuses   []domain.TicketStatus
	getErrs    []error
	createErrs []error
	approver   string
	creates    int
	gets       int
	specs      []domain.TicketSpec
}

func (c *scriptedClient) Create(ctx context.Context, spec domain.TicketSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.createErrs) > 0 {
		err := c.createErrs[0]
		c.createErrs = c.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	c.creates++
	c.specs = append(c.specs, spec)
	return fmt.Sprintf("APPR-%d", c.creates), nil
}

func (c *scriptedClient) Get(ctx context.Context, key string) (domain.TicketState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if len(c.getErrs) > 0 {
		err := c.getErrs[0]
		c.getErrs = c.getErrs[1:]
		if err != nil {
			return domain.TicketState{}, err
		}
	}
	status := domain.TicketOpen
	if len(c.statuses) > 0 {
		status = c.statuses[0]
		if len(c.statuses) > 1 {
			c.statuses = c.statuses[1:]
		}
	}
	return domain.TicketState{Status: status, Approver: c.approver}, nil
}

func (c *scriptedClient) counts() (creates, gets int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates, c.gets
}

// finderClient also implements domain.TicketFinder.
type finderClient struct {
	*scriptedClient
	found map[string]string
}

func (c *finderClient) Find(ctx context.Context, requestID string) (string, bool, error) {
	key, ok := c.found[requestID]
	return key, ok, nil
}

type call struct {
	requestID string
	comment   string
}

type recordingCatalog struct {
	mu      sync.Mutex
	err     error
	accepts []call
	rejects []call
}

func (c *recordingCatalog) AcceptSubscription(ctx context.Context, req domain.SubscriptionRequest, comment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.accepts = append(c.accepts, call{req.ID, comment})
	return nil
}

func (c *recordingCatalog) RejectSubscription(ctx context.Context, req domain.SubscriptionRequest, comment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.rejects = append(c.rejects, call{req.ID, comment})
	return nil
}

func (c *recordingCatalog) calls() (accepts, rejects []call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call(nil), c.accepts...), append([]call(nil), c.rejects...)
}

type harness struct {
	clock      *clock.Fake
	client     domain.TicketClient
	catalog    *recordingCatalog
	tickets    *cache.MemoryTicketStore
	executions *cache.MemoryExecutionStore
	ledger     *cache.MemoryReportLedger
	queue      *memqueue.Queue
	worker     *usecase.TicketWorker
	reporter   *usecase.StatusReporter
	orch       *usecase.Orchestrator
}

func newHarness(t *testing.T, mode domain.Mode, client domain.TicketClient) *harness {
	t.Helper()
	h := &harness{
		clock:      clock.NewFake(epoch),
		client:     client,
		catalog:    &recordingCatalog{},
		tickets:    cache.NewMemoryTicketStore(),
		executions: cache.NewMemoryExecutionStore(),
		ledger:     cache.NewMemoryReportLedger(),
	}
	h.queue = memqueue.New(h.clock, memqueue.Options{
		Visibility:    15 * time.Minute,
		DeliveryDelay: 20 * time.Second,
		DedupWindow:   5 * time.Minute,
	})
	h.worker = &usecase.TicketWorker{
		Client:     client,
		Store:      h.tickets,
		Gate:       gate.NewSemaphore(1),
		Clock:      h.clock,
		ProjectKey: "DATA",
		IssueType:  "10004",
		Logger:     zap.NewNop(),
	}
	h.reporter = &usecase.StatusReporter{
		Catalog: h.catalog,
		Ledger:  h.ledger,
		Scope: domain.CredentialScope{
			DomainID:   "dzd-1",
			Operations: []string{domain.OpAcceptSubscription, domain.OpRejectSubscription},
		},
		Logger: zap.NewNop(),
	}
	h.orch = usecase.NewOrchestrator(usecase.OrchestratorConfig{
		Mode:             mode,
		ApproverID:       "approver-1",
		PollingFrequency: 30 * time.Second,
		ExecutionTimeout: 900 * time.Second,
		ReportTimeout:    300 * time.Second,
	}, h.executions, h.worker, h.reporter, h.queue, h.clock, zap.NewNop(), nil)
	return h
}

func (h *harness) consumer() *usecase.ResiliencyConsumer {
	return &usecase.ResiliencyConsumer{
		Queue:        h.queue,
		Worker:       h.worker,
		Orchestrator: h.orch,
		MaxReceive:   6,
		BatchSize:    5,
		Idle:         time.Second,
		Clock:        h.clock,
		Logger:       zap.NewNop(),
	}
}

func occurrence(requestID string) domain.Occurrence {
	return domain.Occurrence{
		Source:     domain.EventSourceCatalog,
		DetailType: domain.EventTypeSubscriptionCreate,
		Time:       epoch,
		Detail: domain.OccurrenceDetail{
			RequestID: requestID,
			DomainID:  "dzd-1",
			ProjectID: "prj-1",
		},
	}
}

func request(id string) domain.SubscriptionRequest {
	return domain.SubscriptionRequest{
		ID:         id,
		DomainID:   "dzd-1",
		ProjectID:  "prj-1",
		ApproverID: "approver-1",
		Status:     domain.SubscriptionPending,
	}
}

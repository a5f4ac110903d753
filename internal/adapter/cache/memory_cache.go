package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/example/subscription-approval/internal/domain"
)

// MemoryTicketStore — хранилище тикетов в памяти процесса.
type MemoryTicketStore struct {
	mu    sync.RWMutex
	store map[string]domain.Ticket
}

func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{store: make(map[string]domain.Ticket)}
}

func (c *MemoryTicketStore) Get(ctx context.Context, requestID string) (domain.Ticket, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.store[requestID]
	if !ok {
		return domain.Ticket{}, domain.ErrNotFound
	}
	return t, nil
}

func (c *MemoryTicketStore) Claim(ctx context.Context, t domain.Ticket) (domain.Ticket, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.store[t.RequestID]; ok {
		return existing, false, nil
	}
	c.store[t.RequestID] = t
	return t, true, nil
}

func (c *MemoryTicketStore) Update(ctx context.Context, t domain.Ticket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.store[t.RequestID]; !ok {
		return domain.ErrNotFound
	}
	c.store[t.RequestID] = t
	return nil
}

// MemoryExecutionStore — живые контексты и итоги выполнений в памяти.
type MemoryExecutionStore struct {
	mu       sync.RWMutex
	live     map[string]domain.ExecutionContext
	outcomes map[string]domain.Outcome
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		live:     make(map[string]domain.ExecutionContext),
		outcomes: make(map[string]domain.Outcome),
	}
}

func (c *MemoryExecutionStore) Create(ctx context.Context, e domain.ExecutionContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[e.RequestID]; ok {
		return domain.ErrExecutionExists
	}
	if _, ok := c.outcomes[e.RequestID]; ok {
		return domain.ErrExecutionExists
	}
	c.live[e.RequestID] = e
	return nil
}

func (c *MemoryExecutionStore) Get(ctx context.Context, requestID string) (domain.ExecutionContext, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.live[requestID]
	if !ok {
		return domain.ExecutionContext{}, domain.ErrNotFound
	}
	return e, nil
}

func (c *MemoryExecutionStore) Save(ctx context.Context, e *domain.ExecutionContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.live[e.RequestID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != e.Version {
		return domain.ErrVersionConflict
	}
	e.Version++
	c.live[e.RequestID] = *e
	return nil
}

func (c *MemoryExecutionStore) Finish(ctx context.Context, e domain.ExecutionContext, o domain.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.live[e.RequestID]
	if !ok {
		if _, done := c.outcomes[e.RequestID]; done {
			return domain.ErrVersionConflict
		}
		return domain.ErrNotFound
	}
	if cur.Version != e.Version {
		return domain.ErrVersionConflict
	}
	delete(c.live, e.RequestID)
	c.outcomes[e.RequestID] = o
	return nil
}

func (c *MemoryExecutionStore) Outcome(ctx context.Context, requestID string) (domain.Outcome, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.outcomes[requestID]
	if !ok {
		return domain.Outcome{}, domain.ErrNotFound
	}
	return o, nil
}

func (c *MemoryExecutionStore) ListLive(ctx context.Context) ([]domain.ExecutionContext, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.ExecutionContext, 0, len(c.live))
	for _, e := range c.live {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type report struct {
	decision domain.Decision
	done     bool
}

// MemoryReportLedger — учёт отправленных в каталог решений.
type MemoryReportLedger struct {
	mu      sync.Mutex
	reports map[string]report
}

func NewMemoryReportLedger() *MemoryReportLedger {
	return &MemoryReportLedger{reports: make(map[string]report)}
}

func (c *MemoryReportLedger) ClaimReport(ctx context.Context, requestID string, d domain.Decision) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.reports[requestID]; ok {
		return false, nil
	}
	c.reports[requestID] = report{decision: d}
	return true, nil
}

func (c *MemoryReportLedger) CompleteReport(ctx context.Context, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[requestID]
	if !ok {
		return domain.ErrNotFound
	}
	r.done = true
	c.reports[requestID] = r
	return nil
}

func (c *MemoryReportLedger) ReportCompleted(ctx context.Context, requestID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reports[requestID].done, nil
}

var (
	_ domain.TicketStore    = (*MemoryTicketStore)(nil)
	_ domain.ExecutionStore = (*MemoryExecutionStore)(nil)
	_ domain.ReportLedger   = (*MemoryReportLedger)(nil)
)

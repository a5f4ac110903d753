package ticketmock

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/subscription-approval/internal/domain"
)

// Workflow — система тикетов-заглушка для типов MOCK_ACCEPT и MOCK_REJECT.
// Тикет остаётся открытым первые OpenPolls чтений, затем разрешается.
type Workflow struct {
	Accept    bool
	OpenPolls int
	Approver  string

	mu      sync.Mutex
	seq     int
	byLabel map[string]string
	gets    map[string]int
	creates int
}

func New(accept bool) *Workflow {
	return &Workflow{Accept: accept, Approver: "assignee"}
}

func (w *Workflow) Create(ctx context.Context, spec domain.TicketSpec) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.byLabel == nil {
		w.byLabel = make(map[string]string)
	}
	w.seq++
	w.creates++
	key := fmt.Sprintf("MOCK-%d", w.seq)
	w.byLabel[domain.TicketLabel(spec.RequestID)] = key
	return key, nil
}

func (w *Workflow) Get(ctx context.Context, key string) (domain.TicketState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gets == nil {
		w.gets = make(map[string]int)
	}
	w.gets[key]++
	if w.gets[key] <= w.OpenPolls {
		return domain.TicketState{Status: domain.TicketOpen}, nil
	}
	status := domain.TicketRejected
	if w.Accept {
		status = domain.TicketApproved
	}
	return domain.TicketState{Status: status, Approver: w.Approver}, nil
}

func (w *Workflow) Find(ctx context.Context, requestID string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key, ok := w.byLabel[domain.TicketLabel(requestID)]
	return key, ok, nil
}

// Creates is the number of tickets created so far.
func (w *Workflow) Creates() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.creates
}

var (
	_ domain.TicketClient = (*Workflow)(nil)
	_ domain.TicketFinder = (*Workflow)(nil)
)

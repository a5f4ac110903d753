package memqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/subscription-approval/internal/clock"
	"github.com/example/subscription-approval/internal/domain"
)

// ErrStaleReceipt is returned when a delivery is settled after the message was
// received again or already removed.
var ErrStaleReceipt = errors.New("stale delivery receipt")

type Options struct {
	Visibility    time.Duration
	DeliveryDelay time.Duration
	DedupWindow   time.Duration
}

// DeadLetter — сообщение, снятое с очереди после исчерпания доставок.
type DeadLetter struct {
	Message domain.QueueMessage
	Reason  string
	At      time.Time
}

type entry struct {
	msg       domain.QueueMessage
	dedupID   string
	visibleAt time.Time
	receipt   uint64
}

// Queue — FIFO-очередь в памяти: порядок внутри группы, дедупликация по содержимому,
// задержка доставки и окно видимости, как у FIFO-очереди SQS.
type Queue struct {
	mu      sync.Mutex
	clock   clock.Clock
	opts    Options
	entries []*entry
	seen    map[string]time.Time
	dead    []DeadLetter
	receipt uint64
}

func New(clk clock.Clock, opts Options) *Queue {
	return &Queue{clock: clk, opts: opts, seen: make(map[string]time.Time)}
}

// Enqueue drops a message whose body was already accepted within the dedup window.
func (q *Queue) Enqueue(ctx context.Context, m domain.QueueMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.RequestID == "" || m.Token == "" {
		return domain.ErrValidation
	}
	if m.GroupKey == "" {
		m.GroupKey = m.RequestID
	}
	m.ReceiveCount = 0

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	for id, until := range q.seen {
		if !now.Before(until) {
			delete(q.seen, id)
		}
	}
	id := m.DedupID()
	if _, dup := q.seen[id]; dup {
		return nil
	}
	q.seen[id] = now.Add(q.opts.DedupWindow)
	q.entries = append(q.entries, &entry{
		msg:       m,
		dedupID:   id,
		visibleAt: now.Add(q.opts.DeliveryDelay),
	})
	return nil
}

// Receive returns up to max visible messages, at most one per group, in enqueue order.
// A group whose head message is delayed or in flight blocks the rest of the group.
func (q *Queue) Receive(ctx context.Context, max int) ([]domain.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	blocked := make(map[string]bool)
	var out []domain.Delivery
	for _, e := range q.entries {
		if len(out) >= max {
			break
		}
		if blocked[e.msg.GroupKey] {
			continue
		}
		blocked[e.msg.GroupKey] = true
		if now.Before(e.visibleAt) {
			continue
		}
		q.receipt++
		e.receipt = q.receipt
		e.msg.ReceiveCount++
		e.visibleAt = now.Add(q.opts.Visibility)
		out = append(out, &delivery{q: q, msg: e.msg, receipt: e.receipt})
	}
	return out, nil
}

// DeadLetters returns the messages moved to the dead-letter list.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// Len is the number of messages still in the queue, in flight or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) remove(receipt uint64) (*entry, error) {
	for i, e := range q.entries {
		if e.receipt == receipt {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e, nil
		}
	}
	return nil, ErrStaleReceipt
}

type delivery struct {
	q       *Queue
	msg     domain.QueueMessage
	receipt uint64
}

func (d *delivery) Message() domain.QueueMessage { return d.msg }

func (d *delivery) Ack(ctx context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	_, err := d.q.remove(d.receipt)
	return err
}

// Retry leaves the message in flight; it is received again once visibility expires.
func (d *delivery) Retry(ctx context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	for _, e := range d.q.entries {
		if e.receipt == d.receipt {
			return nil
		}
	}
	return ErrStaleReceipt
}

func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	e, err := d.q.remove(d.receipt)
	if err != nil {
		return err
	}
	d.q.dead = append(d.q.dead, DeadLetter{Message: e.msg, Reason: reason, At: d.q.clock.Now()})
	return nil
}

var _ domain.WorkQueue = (*Queue)(nil)

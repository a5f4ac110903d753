package gate

import (
	"context"

	"github.com/example/subscription-approval/internal/domain"
	"golang.org/x/sync/semaphore"
)

// Semaphore — ограничение одновременных вызовов внутри процесса.
type Semaphore struct {
	sem *semaphore.Weighted
}

// NewSemaphore returns a gate admitting n callers at a time; callers queue in FIFO order.
func NewSemaphore(n int64) *Semaphore {
	return &Semaphore{sem: semaphore.NewWeighted(n)}
}

func (s *Semaphore) Acquire(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(1) }, nil
}

var _ domain.Gate = (*Semaphore)(nil)

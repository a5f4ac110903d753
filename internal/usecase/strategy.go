package usecase

import (
	"context"
	"fmt"

	"github.com/example/subscription-approval/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PollingStrategy ждёт решения по открытому тикету. Выбирается один раз при старте
// выполнения по его Mode. Await возвращает выполнение либо в ReportStatus, либо
// приостановленным в AwaitAsyncResolution.
type PollingStrategy interface {
	Mode() domain.Mode
	Await(ctx context.Context, o *Orchestrator, e *domain.ExecutionContext) error
}

// DirectPolling — цикл Wait(pollingFrequency) → Poll внутри выполнения.
type DirectPolling struct{}

func (DirectPolling) Mode() domain.Mode { return domain.ModeDirectPolling }

func (DirectPolling) Await(ctx context.Context, o *Orchestrator, e *domain.ExecutionContext) error {
	if e.State != domain.StateDirectPoll {
		e.State = domain.StateDirectPoll
		if err := o.save(ctx, e); err != nil {
			return err
		}
	}
	for {
		if err := o.clock.Wait(ctx, o.cfg.PollingFrequency); err != nil {
			return err
		}
		if !o.clock.Now().Before(e.Deadline) {
			return fmt.Errorf("poll ticket %s: %w", e.TicketID, domain.ErrDeadlineExceeded)
		}

		pctx, cancel := o.untilDeadline(ctx, e)
		t, err := o.worker.PollStatus(pctx, e.RequestID)
		expired := pctx.Err() != nil && ctx.Err() == nil
		cancel()
		e.Retries++
		if err != nil && expired {
			return fmt.Errorf("poll ticket %s: %w", e.TicketID, domain.ErrDeadlineExceeded)
		}
		if err != nil {
			if !domain.IsTransient(err) {
				return err
			}
			o.logger.Warn("ticket poll failed, will retry",
				zap.String("request_id", e.RequestID), zap.Int("attempt", e.Retries), zap.Error(err))
		} else if t.Status.Resolved() {
			e.Decision = t.Status.Decision()
			e.Approver = t.Approver
			e.State = domain.StateReportStatus
			return o.save(ctx, e)
		}
		if err := o.save(ctx, e); err != nil {
			return err
		}
	}
}

// QueuedPolling — отдаёт опрос в очередь и приостанавливает выполнение до погашения токена.
type QueuedPolling struct {
	Queue domain.WorkQueue
}

func (QueuedPolling) Mode() domain.Mode { return domain.ModeQueuedPolling }

func (q QueuedPolling) Await(ctx context.Context, o *Orchestrator, e *domain.ExecutionContext) error {
	if q.Queue == nil {
		return domain.Configuration("await resolution", fmt.Errorf("resiliency queue is not configured"))
	}
	// token and state are persisted before the message exists so a fast consumer finds them
	e.Token = &domain.ContinuationToken{Value: uuid.NewString(), IssuedAt: o.clock.Now()}
	e.State = domain.StateAwaitAsyncResolution
	if err := o.save(ctx, e); err != nil {
		return err
	}

	msg := domain.NewQueueMessage(e.RequestID, e.Token.Value)
	for {
		err := q.Queue.Enqueue(ctx, msg)
		if err == nil {
			o.logger.Info("execution suspended pending ticket resolution",
				zap.String("request_id", e.RequestID), zap.String("ticket", e.TicketID))
			return nil
		}
		e.Retries++
		o.logger.Warn("enqueue failed, will retry",
			zap.String("request_id", e.RequestID), zap.Int("attempt", e.Retries), zap.Error(err))
		if err := o.clock.Wait(ctx, o.cfg.PollingFrequency); err != nil {
			return err
		}
		if !o.clock.Now().Before(e.Deadline) {
			return domain.Transient("enqueue poll", err)
		}
	}
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/subscription-approval/internal/clock"
	"github.com/example/subscription-approval/internal/domain"
	"github.com/example/subscription-approval/internal/metrics"
	"go.uber.org/zap"
)

// errUnreachable stops the current batch: the ticket system is not answering.
var errUnreachable = errors.New("ticket system unreachable")

// ResiliencyConsumer — обработчик очереди опроса тикетов.
// Сообщения пачки обрабатываются последовательно; каждое либо подтверждается,
// либо возвращается в очередь, либо уходит в очередь недоставленных.
type ResiliencyConsumer struct {
	Queue        domain.WorkQueue
	Worker       *TicketWorker
	Orchestrator *Orchestrator
	MaxReceive   int
	BatchSize    int
	// Idle — пауза между пустыми выборками.
	Idle    time.Duration
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Run receives batches until ctx is done.
func (c *ResiliencyConsumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := c.Queue.Receive(ctx, c.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Logger.Error("receive failed", zap.Error(err))
		}
		if len(batch) > 0 {
			if err := c.HandleBatch(ctx, batch); err != nil && !errors.Is(err, errUnreachable) {
				c.Logger.Error("batch failed", zap.Error(err))
			}
			continue
		}
		if err := c.Clock.Wait(ctx, c.Idle); err != nil {
			return nil
		}
	}
}

// HandleBatch settles every delivery of the batch. When the ticket system is
// unreachable the rest of the batch is returned to the queue untouched.
func (c *ResiliencyConsumer) HandleBatch(ctx context.Context, batch []domain.Delivery) error {
	for i, d := range batch {
		err := c.handle(ctx, d)
		if err == nil {
			continue
		}
		if errors.Is(err, errUnreachable) {
			for _, rest := range batch[i+1:] {
				c.retry(ctx, rest, "batch stopped")
			}
			c.Logger.Warn("stopped batch", zap.Int("deferred", len(batch)-i-1), zap.Error(err))
		}
		return err
	}
	return nil
}

func (c *ResiliencyConsumer) handle(ctx context.Context, d domain.Delivery) error {
	m := d.Message()
	log := c.Logger.With(zap.String("request_id", m.RequestID), zap.Int("receive_count", m.ReceiveCount))

	live, err := c.Orchestrator.Redeemable(ctx, m.RequestID, m.Token)
	if err != nil {
		c.retry(ctx, d, err.Error())
		return nil
	}
	if !live {
		log.Info("dropping message for a finished or resumed execution")
		c.ack(ctx, d, "stale")
		return nil
	}

	t, err := c.Worker.PollStatus(ctx, m.RequestID)
	switch {
	case err == nil && t.Status.Resolved():
		err := c.Orchestrator.Resume(ctx, m.RequestID, m.Token, t.Status, t.Approver)
		if err != nil && !errors.Is(err, domain.ErrTokenInvalid) {
			log.Error("resume failed", zap.Error(err))
			c.retry(ctx, d, err.Error())
			return nil
		}
		c.ack(ctx, d, "resolved")
		return nil
	case err == nil:
		c.retryOrDeadLetter(ctx, d, fmt.Sprintf("ticket %s still %s", t.ExternalID, t.Status))
		return nil
	case domain.IsTransient(err):
		log.Warn("ticket poll failed", zap.Error(err))
		c.retryOrDeadLetter(ctx, d, err.Error())
		return fmt.Errorf("%w: %v", errUnreachable, err)
	default:
		log.Error("ticket poll failed permanently", zap.Error(err))
		if !c.abort(ctx, m, domain.ReasonOf(err), err.Error()) {
			c.retry(ctx, d, "abort failed")
			return nil
		}
		c.ack(ctx, d, "failed")
		return nil
	}
}

func (c *ResiliencyConsumer) retryOrDeadLetter(ctx context.Context, d domain.Delivery, reason string) {
	m := d.Message()
	if m.ReceiveCount < c.MaxReceive {
		c.retry(ctx, d, reason)
		return
	}
	// the execution is failed first: a message leaves the queue only once nothing waits on it
	if !c.abort(ctx, m, domain.ReasonRetriesExhausted, reason) {
		c.retry(ctx, d, "abort failed")
		return
	}
	if err := d.DeadLetter(ctx, reason); err != nil {
		c.Logger.Error("dead-letter failed", zap.String("request_id", m.RequestID), zap.Error(err))
		return
	}
	c.Metrics.DeadLettered()
	c.Metrics.Delivery("dead-lettered")
	c.Logger.Warn("message dead-lettered",
		zap.String("request_id", m.RequestID),
		zap.Int("receive_count", m.ReceiveCount),
		zap.String("reason", reason))
}

// abort reports false when the execution may still be waiting on the token.
func (c *ResiliencyConsumer) abort(ctx context.Context, m domain.QueueMessage, reason domain.FailureReason, detail string) bool {
	err := c.Orchestrator.Abort(ctx, m.RequestID, m.Token, reason, detail)
	if err != nil && !errors.Is(err, domain.ErrTokenInvalid) {
		c.Logger.Error("abort failed", zap.String("request_id", m.RequestID), zap.Error(err))
		return false
	}
	return true
}

func (c *ResiliencyConsumer) retry(ctx context.Context, d domain.Delivery, reason string) {
	if err := d.Retry(ctx); err != nil {
		c.Logger.Error("retry failed", zap.String("request_id", d.Message().RequestID), zap.Error(err))
	}
	c.Metrics.Delivery("retried")
	c.Logger.Debug("message retried", zap.String("request_id", d.Message().RequestID), zap.String("reason", reason))
}

func (c *ResiliencyConsumer) ack(ctx context.Context, d domain.Delivery, result string) {
	if err := d.Ack(ctx); err != nil {
		c.Logger.Error("ack failed", zap.String("request_id", d.Message().RequestID), zap.Error(err))
	}
	c.Metrics.Delivery(result)
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/subscription-approval/internal/clock"
	"github.com/example/subscription-approval/internal/domain"
	"github.com/example/subscription-approval/internal/metrics"
	"go.uber.org/zap"
)

type OrchestratorConfig struct {
	// Mode is the strategy recorded on every new execution.
	Mode             domain.Mode
	ApproverID       string
	PollingFrequency time.Duration
	ExecutionTimeout time.Duration
	ReportTimeout    time.Duration
}

// Orchestrator — конечный автомат согласования подписки.
// Каждое выполнение проходит состояния строго последовательно; переходы
// сохраняются с проверкой версии, поэтому параллельный участник получает конфликт.
type Orchestrator struct {
	cfg        OrchestratorConfig
	executions domain.ExecutionStore
	worker     *TicketWorker
	reporter   *StatusReporter
	strategies map[domain.Mode]PollingStrategy
	queue      domain.WorkQueue
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu   sync.Mutex
	base context.Context
	wg   sync.WaitGroup
}

func NewOrchestrator(
	cfg OrchestratorConfig,
	executions domain.ExecutionStore,
	worker *TicketWorker,
	reporter *StatusReporter,
	queue domain.WorkQueue,
	clk clock.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	strategies := make(map[domain.Mode]PollingStrategy)
	for _, s := range []PollingStrategy{DirectPolling{}, QueuedPolling{Queue: queue}} {
		strategies[s.Mode()] = s
	}
	return &Orchestrator{
		cfg:        cfg,
		executions: executions,
		worker:     worker,
		reporter:   reporter,
		strategies: strategies,
		queue:      queue,
		clock:      clk,
		logger:     logger.Named("orchestrator"),
		metrics:    m,
		base:       context.Background(),
	}
}

// Attach sets the context background executions run under.
func (o *Orchestrator) Attach(ctx context.Context) {
	o.mu.Lock()
	o.base = ctx
	o.mu.Unlock()
}

// Wait blocks until every background execution has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Start creates the execution for an occurrence. A second occurrence for the same
// request returns ErrExecutionExists and starts nothing.
func (o *Orchestrator) Start(ctx context.Context, occ domain.Occurrence) (domain.ExecutionContext, error) {
	if err := occ.Validate(); err != nil {
		return domain.ExecutionContext{}, err
	}
	if _, ok := o.strategies[o.cfg.Mode]; !ok {
		return domain.ExecutionContext{}, domain.Configuration("start", fmt.Errorf("unknown mode %q", o.cfg.Mode))
	}
	now := o.clock.Now()
	e := domain.ExecutionContext{
		RequestID:  occ.Detail.RequestID,
		DomainID:   occ.Detail.DomainID,
		ProjectID:  occ.Detail.ProjectID,
		ApproverID: o.cfg.ApproverID,
		Mode:       o.cfg.Mode,
		State:      domain.StateStart,
		Deadline:   now.Add(o.cfg.ExecutionTimeout),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.executions.Create(ctx, e); err != nil {
		return domain.ExecutionContext{}, err
	}
	o.metrics.Started()
	o.logger.Info("execution started",
		zap.String("request_id", e.RequestID),
		zap.String("domain_id", e.DomainID),
		zap.String("mode", string(e.Mode)))
	return e, nil
}

// Launch starts the execution and runs it in the background.
func (o *Orchestrator) Launch(ctx context.Context, occ domain.Occurrence) (domain.ExecutionContext, error) {
	e, err := o.Start(ctx, occ)
	if err != nil {
		return e, err
	}
	o.spawn(e.RequestID)
	return e, nil
}

func (o *Orchestrator) spawn(requestID string) {
	o.mu.Lock()
	ctx := o.base
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Run(ctx, requestID); err != nil && ctx.Err() == nil {
			o.logger.Error("execution run stopped", zap.String("request_id", requestID), zap.Error(err))
		}
	}()
}

// Run advances the execution until it is terminal or suspended.
// Errors returned are either context errors (the execution stays live and is
// picked up by Recover) or version conflicts (someone else advanced it).
func (o *Orchestrator) Run(ctx context.Context, requestID string) (domain.ExecutionContext, error) {
	e, err := o.executions.Get(ctx, requestID)
	if err != nil {
		return domain.ExecutionContext{}, err
	}
	for {
		var err error
		switch e.State {
		case domain.StateStart:
			e.State = domain.StateCreateOrGetTicket
			err = o.save(ctx, &e)
		case domain.StateCreateOrGetTicket:
			err = o.createOrGetTicket(ctx, &e)
		case domain.StateDirectPoll:
			err = o.strategies[domain.ModeDirectPolling].Await(ctx, o, &e)
		case domain.StateAwaitAsyncResolution:
			if e.Token == nil {
				err = fmt.Errorf("suspended without a continuation token: %w", domain.ErrTokenInvalid)
				break
			}
			return e, nil
		case domain.StateReportStatus:
			err = o.report(ctx, &e)
		case domain.StateReported, domain.StateFailed:
			return e, nil
		default:
			err = domain.Configuration("run", fmt.Errorf("unknown state %q", e.State))
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil || errors.Is(err, domain.ErrVersionConflict) {
			return e, err
		}
		if ferr := o.fail(ctx, &e, domain.ReasonOf(err), err); ferr != nil {
			return e, ferr
		}
		return e, nil
	}
}

func (o *Orchestrator) createOrGetTicket(ctx context.Context, e *domain.ExecutionContext) error {
	var (
		t   domain.Ticket
		err error
	)
	for {
		cctx, cancel := o.untilDeadline(ctx, e)
		t, err = o.worker.CreateOrGetTicket(cctx, e.Request())
		expired := cctx.Err() != nil && ctx.Err() == nil
		cancel()
		if err == nil {
			break
		}
		if expired {
			return fmt.Errorf("create ticket: %w", domain.ErrDeadlineExceeded)
		}
		if !domain.IsTransient(err) {
			return err
		}
		e.Retries++
		o.logger.Warn("create ticket failed, will retry",
			zap.String("request_id", e.RequestID), zap.Int("attempt", e.Retries), zap.Error(err))
		if err := o.save(ctx, e); err != nil {
			return err
		}
		if err := o.clock.Wait(ctx, o.cfg.PollingFrequency); err != nil {
			return err
		}
		if !o.clock.Now().Before(e.Deadline) {
			return fmt.Errorf("create ticket: %w", domain.ErrDeadlineExceeded)
		}
	}

	e.TicketID = t.ExternalID
	e.Approver = t.Approver
	if t.Status.Resolved() {
		// resolved before we looked: no polling
		e.Decision = t.Status.Decision()
		e.State = domain.StateReportStatus
		return o.save(ctx, e)
	}
	if err := o.save(ctx, e); err != nil {
		return err
	}
	return o.strategies[e.Mode].Await(ctx, o, e)
}

func (o *Orchestrator) report(ctx context.Context, e *domain.ExecutionContext) error {
	rctx, cancel := context.WithTimeout(ctx, o.cfg.ReportTimeout)
	defer cancel()

	err := o.reporter.ReportDecision(rctx, e.Request(), e.Decision, e.Approver, e.TicketID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return o.finish(ctx, e, domain.StateReported, domain.ReasonNone, "")
}

// Resume redeems the continuation token with the resolved ticket status and
// continues the execution in the background. The token is single use.
func (o *Orchestrator) Resume(ctx context.Context, requestID, token string, status domain.TicketStatus, approver string) error {
	if !status.Resolved() {
		return domain.ErrValidation
	}
	e, err := o.redeem(ctx, requestID, token, func(e *domain.ExecutionContext) {
		e.Decision = status.Decision()
		e.Approver = approver
		e.State = domain.StateReportStatus
	})
	if err != nil {
		return err
	}
	o.logger.Info("execution resumed",
		zap.String("request_id", e.RequestID), zap.String("decision", string(e.Decision)))
	o.spawn(e.RequestID)
	return nil
}

// Abort redeems the continuation token with a failure and finishes the execution.
func (o *Orchestrator) Abort(ctx context.Context, requestID, token string, reason domain.FailureReason, detail string) error {
	e, err := o.redeem(ctx, requestID, token, nil)
	if err != nil {
		return err
	}
	return o.finish(ctx, &e, domain.StateFailed, reason, detail)
}

// Redeemable reports whether token is the live token of a suspended execution.
func (o *Orchestrator) Redeemable(ctx context.Context, requestID, token string) (bool, error) {
	e, err := o.executions.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return e.Suspended() && e.Token.Matches(token), nil
}

func (o *Orchestrator) redeem(ctx context.Context, requestID, token string, apply func(*domain.ExecutionContext)) (domain.ExecutionContext, error) {
	e, err := o.executions.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			if _, oerr := o.executions.Outcome(ctx, requestID); oerr == nil {
				return e, domain.ErrTokenInvalid
			}
		}
		return e, err
	}
	if !e.Suspended() || !e.Token.Matches(token) {
		return e, domain.ErrTokenInvalid
	}
	e.Token = nil
	if apply == nil {
		return e, nil
	}
	apply(&e)
	if err := o.save(ctx, &e); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return e, domain.ErrTokenInvalid
		}
		return e, err
	}
	return e, nil
}

// Recover relaunches live executions. A suspended execution gets its queue
// message enqueued again: the message may have been lost with a restart or never
// written, and the queue drops it as a duplicate when it is still there.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	live, err := o.executions.ListLive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range live {
		if e.Suspended() {
			if err := o.requeue(ctx, e); err != nil {
				return n, err
			}
			n++
			continue
		}
		o.logger.Info("recovering execution",
			zap.String("request_id", e.RequestID), zap.String("state", string(e.State)))
		o.spawn(e.RequestID)
		n++
	}
	return n, nil
}

func (o *Orchestrator) requeue(ctx context.Context, e domain.ExecutionContext) error {
	if o.queue == nil {
		cause := domain.Configuration("recover", fmt.Errorf("suspended execution without a resiliency queue"))
		if err := o.fail(ctx, &e, domain.ReasonOf(cause), cause); err != nil && !errors.Is(err, domain.ErrTokenInvalid) {
			return err
		}
		return nil
	}
	if err := o.queue.Enqueue(ctx, domain.NewQueueMessage(e.RequestID, e.Token.Value)); err != nil {
		return fmt.Errorf("requeue %s: %w", e.RequestID, err)
	}
	o.logger.Info("suspended execution requeued", zap.String("request_id", e.RequestID))
	return nil
}

// untilDeadline bounds a remote call by the time left before the execution deadline.
func (o *Orchestrator) untilDeadline(ctx context.Context, e *domain.ExecutionContext) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.Deadline.Sub(o.clock.Now()))
}

func (o *Orchestrator) fail(ctx context.Context, e *domain.ExecutionContext, reason domain.FailureReason, cause error) error {
	o.logger.Error("execution failed",
		zap.String("request_id", e.RequestID),
		zap.String("state", string(e.State)),
		zap.String("reason", string(reason)),
		zap.Error(cause))
	return o.finish(ctx, e, domain.StateFailed, reason, cause.Error())
}

func (o *Orchestrator) finish(ctx context.Context, e *domain.ExecutionContext, state domain.State, reason domain.FailureReason, detail string) error {
	now := o.clock.Now()
	e.State = state
	e.Reason = reason
	e.Detail = detail
	e.Token = nil
	e.UpdatedAt = now
	outcome := domain.OutcomeOf(*e, now)
	if err := o.executions.Finish(ctx, *e, outcome); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return domain.ErrTokenInvalid
		}
		return err
	}
	o.metrics.Finished(string(state), string(e.Decision), string(reason))
	o.logger.Info("execution finished",
		zap.String("request_id", e.RequestID),
		zap.String("outcome", outcome.Label()))
	return nil
}

func (o *Orchestrator) save(ctx context.Context, e *domain.ExecutionContext) error {
	e.UpdatedAt = o.clock.Now()
	return o.executions.Save(ctx, e)
}

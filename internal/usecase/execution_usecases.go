package usecase

import (
	"context"
	"errors"

	"github.com/example/subscription-approval/internal/domain"
	"go.uber.org/zap"
)

// ExecutionView — ответ на запрос состояния: живой контекст либо итог.
type ExecutionView struct {
	RequestID string                   `json:"request_id"`
	Live      *domain.ExecutionContext `json:"live,omitempty"`
	Outcome   *domain.Outcome          `json:"outcome,omitempty"`
	Result    string                   `json:"result,omitempty"`
}

// GetExecution — получить состояние выполнения по идентификатору запроса.
type GetExecution struct {
	Store domain.ExecutionStore
}

func (uc GetExecution) Execute(ctx context.Context, requestID string) (ExecutionView, error) {
	e, err := uc.Store.Get(ctx, requestID)
	if err == nil {
		e.Token = nil
		return ExecutionView{RequestID: requestID, Live: &e}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return ExecutionView{}, err
	}
	o, err := uc.Store.Outcome(ctx, requestID)
	if err != nil {
		return ExecutionView{}, err
	}
	return ExecutionView{RequestID: requestID, Outcome: &o, Result: o.Label()}, nil
}

// HandleOccurrence — разобрать входящее событие и запустить выполнение.
type HandleOccurrence struct {
	Orchestrator *Orchestrator
	Logger       *zap.Logger
}

func (uc HandleOccurrence) Execute(ctx context.Context, raw []byte) (domain.ExecutionContext, error) {
	occ, err := domain.ParseOccurrence(raw)
	if err != nil {
		return domain.ExecutionContext{}, err
	}
	return uc.Orchestrator.Launch(ctx, occ)
}

// Handle is the message subscriber callback. Duplicates and malformed events are
// acknowledged and dropped; everything else is redelivered.
func (uc HandleOccurrence) Handle(ctx context.Context, raw []byte) error {
	_, err := uc.Execute(ctx, raw)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrExecutionExists):
		uc.Logger.Info("duplicate occurrence ignored", zap.Error(err))
		return nil
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnsupportedEvent):
		uc.Logger.Warn("dropping invalid occurrence", zap.Error(err), zap.ByteString("payload", raw))
		return nil
	}
	return err
}

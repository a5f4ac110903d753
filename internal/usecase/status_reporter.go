package usecase

import (
	"context"
	"fmt"

	"github.com/example/subscription-approval/internal/domain"
	"go.uber.org/zap"
)

// StatusReporter — передаёт решение в каталог не более одного раза на запрос.
type StatusReporter struct {
	Catalog domain.Catalog
	Ledger  domain.ReportLedger
	Scope   domain.CredentialScope
	Logger  *zap.Logger
}

// ReportDecision applies the decision to the catalog. Errors are never retried here:
// the caller fails the execution so an operator can see the stuck subscription.
func (r *StatusReporter) ReportDecision(ctx context.Context, req domain.SubscriptionRequest, d domain.Decision, approver, ticketID string) error {
	op, err := operationFor(d)
	if err != nil {
		return err
	}
	if !r.Scope.Allows(req.DomainID, op) {
		return domain.Credential("report decision",
			fmt.Errorf("credential is not scoped for %s in domain %s", op, req.DomainID))
	}

	claimed, err := r.Ledger.ClaimReport(ctx, req.ID, d)
	if err != nil {
		return domain.Callback("claim report", err)
	}
	if !claimed {
		done, err := r.Ledger.ReportCompleted(ctx, req.ID)
		if err != nil {
			return domain.Callback("claim report", err)
		}
		if done {
			r.Logger.Info("decision already reported", zap.String("request_id", req.ID))
			return nil
		}
		// an earlier attempt claimed the report and never confirmed it
		return domain.Callback("report decision", domain.ErrAlreadyReported)
	}

	comment := fmt.Sprintf("Status of subscription changed to %s by %s based on issue %s.", d, approver, ticketID)
	if d == domain.DecisionAccepted {
		err = r.Catalog.AcceptSubscription(ctx, req, comment)
	} else {
		err = r.Catalog.RejectSubscription(ctx, req, comment)
	}
	if err != nil {
		if domain.KindOf(err) == domain.KindCredential {
			return err
		}
		return domain.Callback("report decision", err)
	}

	if err := r.Ledger.CompleteReport(ctx, req.ID); err != nil {
		r.Logger.Error("failed to record completed report",
			zap.String("request_id", req.ID), zap.Error(err))
	}
	r.Logger.Info("reported decision",
		zap.String("request_id", req.ID),
		zap.String("decision", string(d)),
		zap.String("ticket", ticketID))
	return nil
}

func operationFor(d domain.Decision) (string, error) {
	switch d {
	case domain.DecisionAccepted:
		return domain.OpAcceptSubscription, nil
	case domain.DecisionRejected:
		return domain.OpRejectSubscription, nil
	}
	return "", domain.Callback("report decision", fmt.Errorf("no decision to report: %w", domain.ErrValidation))
}

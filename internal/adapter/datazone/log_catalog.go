package datazone

import (
	"context"

	"github.com/example/subscription-approval/internal/domain"
	"go.uber.org/zap"
)

// LogCatalog only logs decisions; used when no catalog is configured.
type LogCatalog struct {
	Logger *zap.Logger
}

func (c LogCatalog) AcceptSubscription(ctx context.Context, req domain.SubscriptionRequest, comment string) error {
	c.Logger.Info("accept subscription", zap.String("request_id", req.ID), zap.String("comment", comment))
	return nil
}

func (c LogCatalog) RejectSubscription(ctx context.Context, req domain.SubscriptionRequest, comment string) error {
	c.Logger.Info("reject subscription", zap.String("request_id", req.ID), zap.String("comment", comment))
	return nil
}

var _ domain.Catalog = LogCatalog{}

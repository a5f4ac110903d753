package natsstan

import (
	"context"
	"fmt"
	"time"

	"github.com/example/subscription-approval/internal/domain"
	stan "github.com/nats-io/stan.go"
	"go.uber.org/zap"
)

const queueGroup = "approval-workers"

// Subscriber — подписка на события о новых запросах через NATS Streaming.
type Subscriber struct {
	ClusterID string
	ClientID  string
	URL       string
	Subject   string
	Durable   string
	// HandlerTimeout ограничивает обработку одного сообщения.
	HandlerTimeout time.Duration
	Logger         *zap.Logger
}

func (s *Subscriber) Subscribe(ctx context.Context, handler func(ctx context.Context, raw []byte) error) error {
	clientID := s.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("approval-svc-%d", time.Now().UnixNano())
	}
	sc, err := stan.Connect(s.ClusterID, clientID, stan.NatsURL(s.URL))
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		sc.Close()
	}()
	_, err = sc.QueueSubscribe(s.Subject, queueGroup, func(m *stan.Msg) {
		s.deliver(ctx, m.Sequence, m.Data, handler, m.Ack)
	}, stan.DurableName(s.Durable), stan.SetManualAckMode(), stan.AckWait(30*time.Second), stan.DeliverAllAvailable())
	if err != nil {
		sc.Close()
	}
	return err
}

// deliver acks only after the handler succeeded; a failed handler leaves the
// message for redelivery.
func (s *Subscriber) deliver(ctx context.Context, seq uint64, data []byte, handler func(ctx context.Context, raw []byte) error, ack func() error) {
	timeout := s.HandlerTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := handler(hCtx, data); err != nil {
		s.Logger.Warn("handler error, message will be redelivered", zap.Uint64("seq", seq), zap.Error(err))
		return
	}
	if err := ack(); err != nil {
		s.Logger.Error("ack failed", zap.Uint64("seq", seq), zap.Error(err))
	}
}

var _ domain.MessageSubscriber = (*Subscriber)(nil)

package jsqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/subscription-approval/internal/clock"
	"github.com/example/subscription-approval/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const reasonHeader = "Dead-Letter-Reason"

type Options struct {
	Stream string
	// Subject — префикс темы задач; тема сообщения — Subject.<requestID>.
	Subject       string
	DeadSubject   string
	Visibility    time.Duration
	DeliveryDelay time.Duration
	DedupWindow   time.Duration
	MaxWait       time.Duration
}

// Queue — очередь опроса тикетов поверх JetStream.
// Дедупликация — через Nats-Msg-Id и окно Duplicates потока; окно видимости —
// AckWait и NakWithDelay; недоставленные сообщения уходят в отдельный поток.
// Задержка доставки отрабатывается на стороне потребителя, поэтому число
// отложенных доставок хранится в KV-бакете и переживает перезапуск.
// Порядок внутри группы JetStream не гарантирует.
type Queue struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	// deferrals counts redeliveries spent waiting out the delivery delay, keyed by stream sequence.
	deferrals jetstream.KeyValue
	opts      Options
	clock     clock.Clock
	logger    *zap.Logger
}

func Connect(ctx context.Context, url string, opts Options, clk clock.Clock, logger *zap.Logger) (*Queue, error) {
	q := &Queue{
		opts:   opts,
		clock:  clk,
		logger: logger.Named("jetstream"),
	}
	conn, err := nats.Connect(
		url,
		nats.ReconnectHandler(q.reconnectHandler),
		nats.DisconnectErrHandler(q.disconnectHandler),
	)
	if err != nil {
		return nil, err
	}
	q.conn = conn
	if err := q.setup(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) reconnectHandler(nc *nats.Conn) {
	q.logger.Info("got reconnected", zap.String("url", nc.ConnectedUrl()))
}

func (q *Queue) disconnectHandler(_ *nats.Conn, err error) {
	q.logger.Error("got disconnected", zap.Error(err))
}

func (q *Queue) setup(ctx context.Context) error {
	js, err := jetstream.New(q.conn)
	if err != nil {
		return err
	}
	q.js = js

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       q.opts.Stream,
		Subjects:   []string{q.opts.Subject + ".>"},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Replicas:   1,
		MaxAge:     24 * time.Hour,
		Duplicates: q.opts.DedupWindow,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", q.opts.Stream, err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      q.deadStream(),
		Subjects:  []string{q.opts.DeadSubject + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
		MaxAge:    7 * 24 * time.Hour,
	}); err != nil {
		return fmt.Errorf("create stream %s: %w", q.deadStream(), err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.opts.Stream + "-poller",
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.opts.Visibility,
		MaxDeliver:    -1,
		FilterSubject: q.opts.Subject + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	q.consumer = consumer

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  q.opts.Stream + "_DEFERRALS",
		TTL:     24 * time.Hour,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create deferral bucket: %w", err)
	}
	q.deferrals = kv
	return nil
}

func (q *Queue) deadStream() string {
	return q.opts.Stream + "_DLQ"
}

func token(key string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(key)
}

func (q *Queue) Enqueue(ctx context.Context, m domain.QueueMessage) error {
	if m.RequestID == "" || m.Token == "" {
		return domain.ErrValidation
	}
	if m.GroupKey == "" {
		m.GroupKey = m.RequestID
	}
	_, err := q.js.Publish(ctx, q.opts.Subject+"."+token(m.GroupKey), m.Body(), jetstream.WithMsgID(m.DedupID()))
	if err != nil {
		return domain.Transient("enqueue", err)
	}
	return nil
}

// Receive fetches up to max messages. Messages younger than the delivery delay
// are put back with the remaining delay and do not count as received.
func (q *Queue) Receive(ctx context.Context, max int) ([]domain.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := q.consumer.Fetch(max, jetstream.FetchMaxWait(q.opts.MaxWait))
	if err != nil {
		return nil, domain.Transient("receive", err)
	}
	var out []domain.Delivery
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			q.logger.Error("message without metadata", zap.Error(err))
			_ = msg.Term()
			continue
		}
		seq := meta.Sequence.Stream
		m, err := domain.DecodeQueueMessage(msg.Data())
		if err != nil {
			q.logger.Error("dropping malformed message", zap.Uint64("seq", seq), zap.Error(err))
			_ = msg.Term()
			continue
		}
		deferred, err := q.deferredCount(ctx, seq)
		if err != nil {
			q.logger.Error("read deferral count", zap.Uint64("seq", seq), zap.Error(err))
			_ = msg.Nak()
			continue
		}
		if wait := meta.Timestamp.Add(q.opts.DeliveryDelay).Sub(q.clock.Now()); wait > 0 {
			if _, err := q.deferrals.Put(ctx, deferralKey(seq), []byte(strconv.Itoa(deferred+1))); err != nil {
				q.logger.Error("record deferral", zap.Uint64("seq", seq), zap.Error(err))
			}
			if err := msg.NakWithDelay(wait); err != nil {
				q.logger.Error("defer failed", zap.Uint64("seq", seq), zap.Error(err))
			}
			continue
		}
		m.ReceiveCount = int(meta.NumDelivered) - deferred
		out = append(out, &delivery{q: q, msg: msg, m: m, seq: seq, deferred: deferred})
	}
	if err := batch.Error(); err != nil && len(out) == 0 && !errors.Is(err, nats.ErrTimeout) {
		return nil, domain.Transient("receive", err)
	}
	return out, nil
}

// DeadLetterCount returns the number of messages kept in the dead-letter stream.
func (q *Queue) DeadLetterCount(ctx context.Context) (uint64, error) {
	s, err := q.js.Stream(ctx, q.deadStream())
	if err != nil {
		return 0, err
	}
	info, err := s.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

func (q *Queue) Close() {
	q.conn.Close()
}

func deferralKey(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

func (q *Queue) deferredCount(ctx context.Context, seq uint64) (int, error) {
	e, err := q.deferrals.Get(ctx, deferralKey(seq))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(e.Value()))
}

func (d *delivery) forget(ctx context.Context) {
	if d.deferred == 0 {
		return
	}
	err := d.q.deferrals.Purge(ctx, deferralKey(d.seq))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		d.q.logger.Warn("forget deferral count", zap.Uint64("seq", d.seq), zap.Error(err))
	}
}

type delivery struct {
	q        *Queue
	msg      jetstream.Msg
	m        domain.QueueMessage
	seq      uint64
	deferred int
}

func (d *delivery) Message() domain.QueueMessage { return d.m }

func (d *delivery) Ack(ctx context.Context) error {
	defer d.forget(ctx)
	return d.msg.Ack()
}

func (d *delivery) Retry(ctx context.Context) error {
	return d.msg.NakWithDelay(d.q.opts.Visibility)
}

func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	dead := &nats.Msg{
		Subject: d.q.opts.DeadSubject + "." + token(d.m.GroupKey),
		Data:    d.msg.Data(),
		Header:  nats.Header{},
	}
	dead.Header.Set(reasonHeader, reason)
	if _, err := d.q.js.PublishMsg(ctx, dead); err != nil {
		return domain.Transient("dead-letter", err)
	}
	defer d.forget(ctx)
	return d.msg.Term()
}

var _ domain.WorkQueue = (*Queue)(nil)

package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/starshop/cart/internal/domain"
	"go.uber.org/zap"
)

const EventTypeCheckoutCompleted = "CheckoutCompleted"

var ErrOutboxFull = errors.New("checkout outbox is full")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const defaultMaxPending = 1000

// CheckoutPublisher queues accepted orders and publishes them to Kafka from Run.
// Events that fail to publish are kept in order, up to maxPending, and retried
// on every retry tick.
type CheckoutPublisher struct {
	writer     messageWriter
	outbox     chan domain.CheckoutCompleted
	pending    []domain.CheckoutCompleted
	maxPending int
	timeout    time.Duration
	retryTick  time.Duration
	log        *zap.Logger
}

func NewCheckoutPublisher(topic string, log *zap.Logger, brokers ...string) *CheckoutPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
	return newCheckoutPublisher(w, log)
}

func newCheckoutPublisher(w messageWriter, log *zap.Logger) *CheckoutPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &CheckoutPublisher{
		writer:     w,
		outbox:     make(chan domain.CheckoutCompleted, 256),
		maxPending: defaultMaxPending,
		timeout:    5 * time.Second,
		retryTick:  5 * time.Second,
		log:        log,
	}
}

// CheckoutCompleted queues evt without waiting for Kafka.
func (p *CheckoutPublisher) CheckoutCompleted(ctx context.Context, evt domain.CheckoutCompleted) error {
	select {
	case p.outbox <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrOutboxFull
	}
}

func (p *CheckoutPublisher) Run(ctx context.Context) {
	retryTicker := time.NewTicker(p.retryTick)
	defer retryTicker.Stop()

	for {
		select {
		case evt := <-p.outbox:
			p.handle(ctx, evt)
		case <-retryTicker.C:
			p.retryPending(ctx)
		case <-ctx.Done():
			p.drain()
			return
		}
	}
}

func (p *CheckoutPublisher) Close() error {
	return p.writer.Close()
}

// handle publishes evt, or queues it behind earlier unpublished events.
func (p *CheckoutPublisher) handle(ctx context.Context, evt domain.CheckoutCompleted) {
	if len(p.pending) > 0 {
		p.hold(evt)
		return
	}
	if err := p.publish(ctx, evt); err != nil {
		p.log.Warn("failed to publish checkout event, will retry",
			zap.Int64("order_id", evt.OrderID),
			zap.Error(err))
		p.hold(evt)
	}
}

func (p *CheckoutPublisher) hold(evt domain.CheckoutCompleted) {
	if len(p.pending) >= p.maxPending {
		dropped := p.pending[0]
		p.pending = p.pending[1:]
		p.log.Error("checkout outbox overflow, dropping oldest event",
			zap.Int64("order_id", dropped.OrderID),
			zap.String("idempotency_key", dropped.IdempotencyKey))
	}
	p.pending = append(p.pending, evt)
}

// retryPending publishes pending events in order and stops at the first failure.
func (p *CheckoutPublisher) retryPending(ctx context.Context) {
	for len(p.pending) > 0 {
		if err := p.publish(ctx, p.pending[0]); err != nil {
			p.log.Warn("checkout events still unpublished",
				zap.Int("pending", len(p.pending)),
				zap.Error(err))
			return
		}
		p.pending = p.pending[1:]
	}
	p.pending = nil
}

// drain makes a last attempt at everything still queued once Run is cancelled.
func (p *CheckoutPublisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	for {
		select {
		case evt := <-p.outbox:
			p.hold(evt)
		default:
			p.retryPending(ctx)
			if len(p.pending) > 0 {
				p.log.Error("dropping unpublished checkout events", zap.Int("count", len(p.pending)))
			}
			return
		}
	}
}

func (p *CheckoutPublisher) publish(ctx context.Context, evt domain.CheckoutCompleted) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal checkout event failed: %w", err)
	}

	key := evt.SessionID
	if key == "" {
		key = strconv.FormatInt(evt.OrderID, 10)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypeCheckoutCompleted)},
			{Key: "idempotency_key", Value: []byte(evt.IdempotencyKey)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, msg)
}

package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/starshop/cart/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
)

type mockWriter struct {
	m        sync.Mutex
	messages []kafkaGo.Message
	failures int // number of calls to fail before succeeding
	calls    int
	closed   bool
}

func (w *mockWriter) WriteMessages(_ context.Context, msgs ...kafkaGo.Message) error {
	w.m.Lock()
	defer w.m.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("broker not available")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *mockWriter) Close() error {
	w.m.Lock()
	defer w.m.Unlock()
	w.closed = true
	return nil
}

func (w *mockWriter) written() []kafkaGo.Message {
	w.m.Lock()
	defer w.m.Unlock()
	return append([]kafkaGo.Message(nil), w.messages...)
}

func event(orderID int64) domain.CheckoutCompleted {
	return domain.CheckoutCompleted{
		SessionID:      "sess-1",
		OrderID:        orderID,
		IdempotencyKey: fmt.Sprintf("key-%d", orderID),
		Items:          []domain.OrderLine{{ProductID: 1, Quantity: 2}},
		TotalAmount:    decimal.RequireFromString("25"),
		OccurredAt:     time.Now().UTC(),
	}
}

func TestCheckoutPublisher_PublishesQueuedEvents(t *testing.T) {
	w := &mockWriter{}
	p := newCheckoutPublisher(w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, p.CheckoutCompleted(context.Background(), event(7)))

	require.Eventually(t, func() bool { return len(w.written()) == 1 }, time.Second, 10*time.Millisecond)
	msg := w.written()[0]
	assert.Equal(t, "sess-1", string(msg.Key))
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, EventTypeCheckoutCompleted, string(msg.Headers[0].Value))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &payload))
	assert.Equal(t, float64(7), payload["order_id"])
	assert.Equal(t, "key-7", payload["idempotency_key"])
}

func TestCheckoutPublisher_RetriesFailedEvents(t *testing.T) {
	w := &mockWriter{failures: 2}
	p := newCheckoutPublisher(w, nil)
	p.retryTick = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, p.CheckoutCompleted(context.Background(), event(1)))

	require.Eventually(t, func() bool { return len(w.written()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckoutPublisher_DrainsOnShutdown(t *testing.T) {
	w := &mockWriter{}
	p := newCheckoutPublisher(w, nil)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, p.CheckoutCompleted(context.Background(), event(i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)

	assert.Len(t, w.written(), 3)
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestCheckoutPublisher_FullOutbox(t *testing.T) {
	p := newCheckoutPublisher(&mockWriter{}, nil)
	p.outbox = make(chan domain.CheckoutCompleted, 1)

	require.NoError(t, p.CheckoutCompleted(context.Background(), event(1)))
	assert.ErrorIs(t, p.CheckoutCompleted(context.Background(), event(2)), ErrOutboxFull)
}

func (w *mockWriter) callCount() int {
	w.m.Lock()
	defer w.m.Unlock()
	return w.calls
}

func orderIDs(events []domain.CheckoutCompleted) []int64 {
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.OrderID)
	}
	return ids
}

func TestCheckoutPublisher_RetryStopsAtFirstFailure(t *testing.T) {
	w := &mockWriter{failures: 100}
	p := newCheckoutPublisher(w, nil)
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		p.handle(ctx, event(i))
	}
	// only the first event hit the broker, the rest queued behind it
	assert.Equal(t, 1, w.callCount())
	assert.Equal(t, []int64{1, 2, 3, 4}, orderIDs(p.pending))

	p.retryPending(ctx)
	assert.Equal(t, 2, w.callCount())
	assert.Len(t, p.pending, 4)
}

func TestCheckoutPublisher_RetryKeepsOrder(t *testing.T) {
	w := &mockWriter{failures: 1}
	p := newCheckoutPublisher(w, nil)
	ctx := context.Background()

	p.handle(ctx, event(1))
	p.handle(ctx, event(2))
	p.retryPending(ctx)

	assert.Empty(t, p.pending)
	msgs := w.written()
	require.Len(t, msgs, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Value, &first))
	assert.Equal(t, float64(1), first["order_id"])
}

func TestCheckoutPublisher_PendingIsBounded(t *testing.T) {
	w := &mockWriter{failures: 100}
	p := newCheckoutPublisher(w, nil)
	p.maxPending = 3

	for i := int64(1); i <= 5; i++ {
		p.handle(context.Background(), event(i))
	}

	assert.Equal(t, []int64{3, 4, 5}, orderIDs(p.pending))
}

func setupKafka(t *testing.T) (string, func()) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	kafkaContainer, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err)

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers, "broker address should not be empty")

	cleanup := func() {
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	}

	return brokers[0], cleanup
}

func TestCheckoutPublisher_Kafka(t *testing.T) {
	brokerAddr, cleanup := setupKafka(t)
	defer cleanup()

	p := NewCheckoutPublisher("cart-checkouts", nil, brokerAddr)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, p.CheckoutCompleted(ctx, event(99)))

	reader := kafkaGo.NewReader(kafkaGo.ReaderConfig{
		Brokers:  []string{brokerAddr},
		Topic:    "cart-checkouts",
		GroupID:  "test-consumer",
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	msg, err := reader.ReadMessage(ctx)
	require.NoError(t, err)

	assert.Equal(t, "sess-1", string(msg.Key))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &payload))
	assert.Equal(t, float64(99), payload["order_id"])
}

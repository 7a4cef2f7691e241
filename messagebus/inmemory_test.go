package messagebus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/conductor/transport"
)

func startBus(t *testing.T) *InMemoryBus {
	t.Helper()
	bus := NewInMemoryBus(DefaultInMemoryConfig())
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return bus
}

func TestInMemoryBusPublishSubscribe(t *testing.T) {
	bus := startBus(t)
	ctx := context.Background()

	received := make(chan *transport.Message, 1)
	err := bus.Subscribe(ctx, "saga.order.phase.1.command", func(ctx context.Context, msg *transport.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	headers := map[string]string{transport.HeaderSagaID: "saga-1"}
	require.NoError(t, bus.Publish(ctx, "saga.order.phase.1.command", []byte(`{"phase":1}`), headers))

	select {
	case msg := <-received:
		assert.Equal(t, "saga.order.phase.1.command", msg.Subject)
		assert.Equal(t, []byte(`{"phase":1}`), msg.Data)
		assert.Equal(t, "saga-1", msg.Key())
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestInMemoryBusPreservesOrder(t *testing.T) {
	bus := startBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	err := bus.Subscribe(ctx, "ordered", func(ctx context.Context, msg *transport.Message) error {
		mu.Lock()
		order = append(order, int(msg.Data[0]))
		if len(order) == 20 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(ctx, "ordered", []byte{byte(i)}, nil))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all messages delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		assert.Equal(t, i, got, "delivery order must match publish order")
	}
}

func TestInMemoryBusNoSubscriber(t *testing.T) {
	bus := startBus(t)
	// Публикация без подписчика не ошибка
	assert.NoError(t, bus.Publish(context.Background(), "nobody.listens", []byte("x"), nil))
}

func TestInMemoryBusDuplicateSubscribe(t *testing.T) {
	bus := startBus(t)
	ctx := context.Background()

	handler := func(ctx context.Context, msg *transport.Message) error { return nil }
	require.NoError(t, bus.Subscribe(ctx, "subject", handler))
	assert.Error(t, bus.Subscribe(ctx, "subject", handler))
}

func TestInMemoryBusUnsubscribe(t *testing.T) {
	bus := startBus(t)
	ctx := context.Background()

	received := make(chan struct{}, 10)
	require.NoError(t, bus.Subscribe(ctx, "subject", func(ctx context.Context, msg *transport.Message) error {
		received <- struct{}{}
		return nil
	}))
	require.NoError(t, bus.Unsubscribe("subject"))

	require.NoError(t, bus.Publish(ctx, "subject", []byte("x"), nil))
	select {
	case <-received:
		t.Fatal("message delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}

	// Повторная отписка безопасна
	assert.NoError(t, bus.Unsubscribe("subject"))
}

func TestInMemoryBusLifecycle(t *testing.T) {
	bus := NewInMemoryBus(DefaultInMemoryConfig())
	assert.False(t, bus.IsRunning())

	require.NoError(t, bus.Start(context.Background()))
	assert.True(t, bus.IsRunning())

	require.NoError(t, bus.Stop(context.Background()))
	assert.False(t, bus.IsRunning())

	// Публикация на остановленной шине - ошибка
	assert.Error(t, bus.Publish(context.Background(), "subject", []byte("x"), nil))
}

func TestFactory(t *testing.T) {
	cfg := DefaultConfig()

	bus, err := New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &InMemoryBus{}, bus)

	cfg.Kind = KindNATS
	bus, err = New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &NATSAdapter{}, bus)

	cfg.Kind = KindKafka
	bus, err = New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &KafkaAdapter{}, bus)

	cfg.Kind = KindRedis
	bus, err = New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &RedisAdapter{}, bus)

	cfg.Kind = "carrier-pigeon"
	_, err = New(cfg)
	assert.Error(t, err)
}

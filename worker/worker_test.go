package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/akriventsev/conductor/messagebus"
	"github.com/akriventsev/conductor/saga"
	"github.com/akriventsev/conductor/transport"
)

func setup(t *testing.T, cfg Config) (*messagebus.InMemoryBus, *saga.Definition, chan *transport.Message) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := messagebus.NewInMemoryBus(messagebus.DefaultInMemoryConfig())
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("failed to start bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	definition := saga.NewDefinition("order", 4)
	w := New(cfg, definition, bus, nil)
	if err := w.Subscribe(ctx); err != nil {
		t.Fatalf("failed to subscribe worker: %v", err)
	}

	events := make(chan *transport.Message, 10)
	for _, phase := range definition.Phases {
		subject := phase.EventSubject
		if err := bus.Subscribe(ctx, subject, func(ctx context.Context, msg *transport.Message) error {
			events <- msg
			return nil
		}); err != nil {
			t.Fatalf("failed to subscribe to %s: %v", subject, err)
		}
	}
	return bus, definition, events
}

func sendCommand(t *testing.T, bus *messagebus.InMemoryBus, definition *saga.Definition, phase int) *transport.Envelope {
	t.Helper()
	serializer := transport.DefaultSerializer()

	payload, err := serializer.Serialize(saga.PhaseCommand{Phase: phase, Payload: json.RawMessage(`{"order":"42"}`)})
	if err != nil {
		t.Fatal(err)
	}
	env := transport.NewEnvelope(saga.TypePhaseCommand, "saga-1", payload).
		WithCorrelationID("corr-1").
		WithSource("conductor")
	data, err := serializer.Serialize(env)
	if err != nil {
		t.Fatal(err)
	}

	p, _ := definition.Phase(phase)
	if err := bus.Publish(context.Background(), p.CommandSubject, data, env.Headers()); err != nil {
		t.Fatalf("failed to publish command: %v", err)
	}
	return env
}

func receiveEvent(t *testing.T, events chan *transport.Message) (*transport.Envelope, *saga.PhaseEvent) {
	t.Helper()
	select {
	case msg := <-events:
		serializer := transport.DefaultSerializer()
		env, err := transport.DecodeEnvelope(serializer, msg.Data)
		if err != nil {
			t.Fatalf("failed to decode event envelope: %v", err)
		}
		var event saga.PhaseEvent
		if err := serializer.Deserialize(env.Payload, &event); err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}
		return env, &event
	case <-time.After(time.Second):
		t.Fatal("worker did not publish an event")
		return nil, nil
	}
}

func TestWorkerPublishesSuccess(t *testing.T) {
	bus, definition, events := setup(t, DefaultConfig())

	command := sendCommand(t, bus, definition, 2)
	env, event := receiveEvent(t, events)

	if event.Phase != 2 {
		t.Errorf("expected event for phase 2, got %d", event.Phase)
	}
	if event.Outcome != saga.OutcomeSuccess {
		t.Errorf("expected SUCCESS, got %s", event.Outcome)
	}
	if env.SagaID != "saga-1" {
		t.Errorf("expected sagaId saga-1, got %s", env.SagaID)
	}
	if env.CorrelationID != "corr-1" {
		t.Errorf("correlationId was not propagated: %s", env.CorrelationID)
	}
	// causationId события - eventId команды
	if env.CausationID != command.EventID {
		t.Errorf("expected causationId %s, got %s", command.EventID, env.CausationID)
	}
}

func TestWorkerPublishesFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailAt = map[int]string{3: "out of stock"}
	bus, definition, events := setup(t, cfg)

	sendCommand(t, bus, definition, 3)
	_, event := receiveEvent(t, events)

	if event.Outcome != saga.OutcomeFailure {
		t.Errorf("expected FAILURE, got %s", event.Outcome)
	}
	if event.Reason != "out of stock" {
		t.Errorf("expected reason to carry, got %q", event.Reason)
	}
}

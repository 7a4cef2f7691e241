package saga

import (
	"testing"

	"github.com/akriventsev/conductor/transport"
)

func TestEmitterCommand(t *testing.T) {
	emitter := NewEmitter("conductor", nil)
	def := NewDefinition("order", 4)
	state := testState("saga-1")

	msg, err := emitter.Command(def, state, 1, "", false)
	if err != nil {
		t.Fatalf("failed to build command: %v", err)
	}

	if msg.Subject != "saga.order.phase.1.command" {
		t.Errorf("unexpected subject: %s", msg.Subject)
	}
	if msg.Key != "saga-1" {
		t.Errorf("expected partition key saga-1, got %s", msg.Key)
	}
	if msg.ID == "" {
		t.Error("expected generated outbox id")
	}

	if msg.Headers[transport.HeaderSagaID] != "saga-1" {
		t.Errorf("unexpected saga_id header: %s", msg.Headers[transport.HeaderSagaID])
	}
	if msg.Headers[transport.HeaderCorrelationID] != state.CorrelationID {
		t.Errorf("unexpected correlation_id header: %s", msg.Headers[transport.HeaderCorrelationID])
	}
	if msg.Headers[transport.HeaderSource] != "conductor" {
		t.Errorf("unexpected source header: %s", msg.Headers[transport.HeaderSource])
	}
	if msg.Headers[transport.HeaderType] != TypePhaseCommand {
		t.Errorf("unexpected type header: %s", msg.Headers[transport.HeaderType])
	}
}

func TestEmitterCommandEnvelope(t *testing.T) {
	serializer := transport.DefaultSerializer()
	emitter := NewEmitter("conductor", serializer)
	def := NewDefinition("order", 4)
	state := testState("saga-1")

	msg, err := emitter.Command(def, state, 2, "cause-1", true)
	if err != nil {
		t.Fatalf("failed to build command: %v", err)
	}

	env, err := transport.DecodeEnvelope(serializer, msg.Data)
	if err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if env.CausationID != "cause-1" {
		t.Errorf("expected causationId cause-1, got %s", env.CausationID)
	}
	if env.CorrelationID != state.CorrelationID {
		t.Errorf("expected correlationId %s, got %s", state.CorrelationID, env.CorrelationID)
	}

	var command PhaseCommand
	if err := serializer.Deserialize(env.Payload, &command); err != nil {
		t.Fatalf("failed to decode command: %v", err)
	}
	if command.Phase != 2 {
		t.Errorf("expected phase 2, got %d", command.Phase)
	}
	if !command.Forced {
		t.Error("expected forced flag to be set")
	}
	if string(command.Payload) != string(state.Payload) {
		t.Errorf("expected saga payload to be carried, got %s", command.Payload)
	}
}

func TestEmitterCommandPhaseOutOfRange(t *testing.T) {
	emitter := NewEmitter("conductor", nil)
	def := NewDefinition("order", 4)
	state := testState("saga-1")

	if _, err := emitter.Command(def, state, 0, "", false); !IsCode(err, ErrPhaseOutOfRange) {
		t.Errorf("expected PHASE_OUT_OF_RANGE for phase 0, got %v", err)
	}
	if _, err := emitter.Command(def, state, 5, "", false); !IsCode(err, ErrPhaseOutOfRange) {
		t.Errorf("expected PHASE_OUT_OF_RANGE for phase 5, got %v", err)
	}
}

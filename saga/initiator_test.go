package saga

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func newTestInitiator(t *testing.T) (*Initiator, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	registry := NewRegistry()
	if err := registry.Register(NewDefinition("order", 4)); err != nil {
		t.Fatalf("failed to register definition: %v", err)
	}
	emitter := NewEmitter("conductor", nil)
	return NewInitiator(store, emitter, registry, nil), store
}

func TestInitiatorStart(t *testing.T) {
	initiator, store := newTestInitiator(t)
	ctx := context.Background()

	result, err := initiator.Start(ctx, "order", StartRequest{Payload: json.RawMessage(`{"order":"42"}`)})
	if err != nil {
		t.Fatalf("failed to start saga: %v", err)
	}

	if result.SagaID == "" {
		t.Error("expected generated sagaId")
	}
	if result.Status != StatusStarted {
		t.Errorf("expected status STARTED, got %s", result.Status)
	}
	// Фазы еще не завершались: счетчик равен нулю
	if result.Phase != 0 {
		t.Errorf("expected phase 0, got %d", result.Phase)
	}

	state, err := store.Get(ctx, result.SagaID)
	if err != nil {
		t.Fatalf("saga was not persisted: %v", err)
	}
	if state.CorrelationID == "" {
		t.Error("expected generated correlationId")
	}

	// Команда первой фазы зафиксирована вместе с состоянием
	pending, _ := store.PendingOutbox(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("expected 1 outbox record, got %d", len(pending))
	}
	if pending[0].Subject != "saga.order.phase.1.command" {
		t.Errorf("unexpected outbox subject: %s", pending[0].Subject)
	}
}

func TestInitiatorStartExplicitID(t *testing.T) {
	initiator, _ := newTestInitiator(t)
	ctx := context.Background()

	result, err := initiator.Start(ctx, "order", StartRequest{
		SagaID:  "my-saga",
		Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("failed to start saga: %v", err)
	}
	if result.SagaID != "my-saga" {
		t.Errorf("expected sagaId my-saga, got %s", result.SagaID)
	}
}

func TestInitiatorStartIdempotent(t *testing.T) {
	initiator, store := newTestInitiator(t)
	ctx := context.Background()

	req := StartRequest{SagaID: "my-saga", Payload: json.RawMessage(`{}`)}
	if _, err := initiator.Start(ctx, "order", req); err != nil {
		t.Fatalf("failed to start saga: %v", err)
	}

	// Повторный запуск того же id возвращает текущее состояние и не ставит
	// вторую команду
	result, err := initiator.Start(ctx, "order", req)
	if err != nil {
		t.Fatalf("failed to re-start saga: %v", err)
	}
	if result.SagaID != "my-saga" {
		t.Errorf("expected sagaId my-saga, got %s", result.SagaID)
	}

	pending, _ := store.PendingOutbox(ctx, 10)
	if len(pending) != 1 {
		t.Errorf("expected 1 outbox record after duplicate start, got %d", len(pending))
	}
}

func TestInitiatorStartValidation(t *testing.T) {
	initiator, _ := newTestInitiator(t)
	ctx := context.Background()

	if _, err := initiator.Start(ctx, "order", StartRequest{}); !IsCode(err, ErrValidationFailed) {
		t.Errorf("expected VALIDATION_FAILED for empty payload, got %v", err)
	}
	if _, err := initiator.Start(ctx, "order", StartRequest{Payload: json.RawMessage(`null`)}); !IsCode(err, ErrValidationFailed) {
		t.Errorf("expected VALIDATION_FAILED for null payload, got %v", err)
	}
	if _, err := initiator.Start(ctx, "unknown", StartRequest{Payload: json.RawMessage(`{}`)}); !IsCode(err, ErrNotFound) {
		t.Errorf("expected NOT_FOUND for unknown definition, got %v", err)
	}
}

func TestInitiatorGetStatus(t *testing.T) {
	initiator, _ := newTestInitiator(t)
	ctx := context.Background()

	result, err := initiator.Start(ctx, "order", StartRequest{Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}

	state, err := initiator.GetStatus(ctx, result.SagaID)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if state.Status != StatusStarted {
		t.Errorf("expected status STARTED, got %s", state.Status)
	}

	if _, err := initiator.GetStatus(ctx, "missing"); !IsCode(err, ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestInitiatorCancel(t *testing.T) {
	initiator, store := newTestInitiator(t)
	ctx := context.Background()

	result, err := initiator.Start(ctx, "order", StartRequest{Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}

	state, err := initiator.Cancel(ctx, result.SagaID)
	if err != nil {
		t.Fatalf("failed to cancel saga: %v", err)
	}
	if state.Status != StatusCancelled {
		t.Errorf("expected status CANCELLED, got %s", state.Status)
	}

	persisted, _ := store.Get(ctx, result.SagaID)
	if persisted.Status != StatusCancelled {
		t.Errorf("cancel was not persisted: %s", persisted.Status)
	}
}

func TestInitiatorCancelTerminalNoop(t *testing.T) {
	initiator, store := newTestInitiator(t)
	ctx := context.Background()

	result, err := initiator.Start(ctx, "order", StartRequest{Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}

	done, _ := store.Get(ctx, result.SagaID)
	done.Status = StatusDone
	done.CurrentPhase = 4
	if err := store.Update(ctx, done, nil); err != nil {
		t.Fatal(err)
	}

	// Отмена завершенной саги не меняет состояние
	state, err := initiator.Cancel(ctx, result.SagaID)
	if err != nil {
		t.Fatalf("cancel of terminal saga must not fail: %v", err)
	}
	if state.Status != StatusDone {
		t.Errorf("expected status to stay DONE, got %s", state.Status)
	}
}

func TestInitiatorTriggerPhase(t *testing.T) {
	initiator, store := newTestInitiator(t)
	ctx := context.Background()

	result, err := initiator.Start(ctx, "order", StartRequest{Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}

	if err := initiator.TriggerPhase(ctx, result.SagaID, 3); err != nil {
		t.Fatalf("failed to trigger phase: %v", err)
	}

	state, _ := store.Get(ctx, result.SagaID)
	if state.Metadata[MetadataForcedPhase] != "3" {
		t.Errorf("expected forced_phase metadata 3, got %q", state.Metadata[MetadataForcedPhase])
	}
	// CurrentPhase намеренно не трогается
	if state.CurrentPhase != 0 {
		t.Errorf("trigger must not change current phase, got %d", state.CurrentPhase)
	}

	pending, _ := store.PendingOutbox(ctx, 10)
	if len(pending) != 2 {
		t.Fatalf("expected 2 outbox records (start + trigger), got %d", len(pending))
	}
	if pending[1].Subject != "saga.order.phase.3.command" {
		t.Errorf("unexpected trigger subject: %s", pending[1].Subject)
	}
}

func TestInitiatorTriggerPhaseOutOfRange(t *testing.T) {
	initiator, _ := newTestInitiator(t)
	ctx := context.Background()

	result, err := initiator.Start(ctx, "order", StartRequest{Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}

	if err := initiator.TriggerPhase(ctx, result.SagaID, 0); !IsCode(err, ErrPhaseOutOfRange) {
		t.Errorf("expected PHASE_OUT_OF_RANGE for phase 0, got %v", err)
	}
	if err := initiator.TriggerPhase(ctx, result.SagaID, 5); !IsCode(err, ErrPhaseOutOfRange) {
		t.Errorf("expected PHASE_OUT_OF_RANGE for phase 5, got %v", err)
	}
	if err := initiator.TriggerPhase(ctx, "missing", 1); !IsCode(err, ErrNotFound) {
		t.Errorf("expected NOT_FOUND for unknown saga, got %v", err)
	}
}

func TestInitiatorList(t *testing.T) {
	initiator, _ := newTestInitiator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := initiator.Start(ctx, "order", StartRequest{Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatal(err)
		}
	}

	states, err := initiator.List(ctx, "order")
	if err != nil {
		t.Fatalf("failed to list sagas: %v", err)
	}
	if len(states) != 3 {
		t.Errorf("expected 3 sagas, got %d", len(states))
	}

	if _, err := initiator.List(ctx, "unknown"); !IsCode(err, ErrNotFound) {
		t.Errorf("expected NOT_FOUND for unknown definition, got %v", err)
	}
}

// gatedStore задерживает первый Update до сигнала release: окно между Get и
// Update перехода держится открытым для конкурирующей записи
type gatedStore struct {
	Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) Update(ctx context.Context, state *State, outbound []*OutboxMessage) error {
	gate := false
	s.once.Do(func() { gate = true })
	if gate {
		close(s.entered)
		<-s.release
	}
	return s.Store.Update(ctx, state, outbound)
}

type adminRaceFixture struct {
	store     *MemoryStore
	gated     *gatedStore
	reactor   *Reactor
	initiator *Initiator
	def       *Definition
}

func newAdminRaceFixture(t *testing.T) *adminRaceFixture {
	t.Helper()
	store := NewMemoryStore()
	gated := &gatedStore{
		Store:   store,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	registry := NewRegistry()
	def := NewDefinition("order", 4)
	if err := registry.Register(def); err != nil {
		t.Fatalf("failed to register definition: %v", err)
	}

	// Один воркер: реактор и административные операции делят полосу sagaId
	executor := NewKeyedExecutor(1)
	t.Cleanup(executor.Stop)

	emitter := NewEmitter("conductor", nil)
	reactor := NewReactor(gated, emitter, registry, executor, nil)
	initiator := NewInitiator(gated, emitter, registry, nil).WithExecutor(executor)

	if _, _, err := store.Init(context.Background(), testState("saga-1"), nil); err != nil {
		t.Fatalf("failed to seed saga: %v", err)
	}
	return &adminRaceFixture{store: store, gated: gated, reactor: reactor, initiator: initiator, def: def}
}

func TestCancelSerializedWithTransition(t *testing.T) {
	f := newAdminRaceFixture(t)
	ctx := context.Background()

	// Переход фазы 1 занимает полосу saga-1 и повисает перед коммитом
	msg, _ := phaseEventMessage(t, "saga-1", "corr-saga-1", 1, OutcomeSuccess, "")
	transitionDone := make(chan error, 1)
	go func() { transitionDone <- f.reactor.Handler(f.def, 1)(ctx, msg) }()
	<-f.gated.entered

	cancelDone := make(chan error, 1)
	go func() {
		_, err := f.initiator.Cancel(ctx, "saga-1")
		cancelDone <- err
	}()

	// Отмена не коммитится внутри чужого окна Get..Update
	select {
	case <-cancelDone:
		t.Fatal("cancel must wait for the in-flight transition")
	case <-time.After(20 * time.Millisecond):
	}

	close(f.gated.release)
	if err := <-transitionDone; err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := <-cancelDone; err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	state, _ := f.store.Get(ctx, "saga-1")
	if state.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED after racing transition, got %s", state.Status)
	}
	if state.CurrentPhase != 1 {
		t.Errorf("expected transition commit to survive, got phase %d", state.CurrentPhase)
	}

	// Отмена липкая: событие фазы 2 не воскрешает сагу
	msg2, _ := phaseEventMessage(t, "saga-1", "corr-saga-1", 2, OutcomeSuccess, "")
	if err := f.reactor.Handler(f.def, 2)(ctx, msg2); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	again, _ := f.store.Get(ctx, "saga-1")
	if again.Status != StatusCancelled {
		t.Errorf("cancelled saga resurrected to %s", again.Status)
	}

	// Единственная команда - фаза 2 от перехода; после отмены команд нет
	pending, _ := f.store.PendingOutbox(ctx, 10)
	if len(pending) != 1 {
		t.Errorf("expected 1 outbox record, got %d", len(pending))
	}
}

func TestTriggerPhaseSerializedWithTransition(t *testing.T) {
	f := newAdminRaceFixture(t)
	ctx := context.Background()

	msg, _ := phaseEventMessage(t, "saga-1", "corr-saga-1", 1, OutcomeSuccess, "")
	transitionDone := make(chan error, 1)
	go func() { transitionDone <- f.reactor.Handler(f.def, 1)(ctx, msg) }()
	<-f.gated.entered

	triggerDone := make(chan error, 1)
	go func() { triggerDone <- f.initiator.TriggerPhase(ctx, "saga-1", 3) }()

	close(f.gated.release)
	if err := <-transitionDone; err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := <-triggerDone; err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	// Снимок для trigger прочитан после коммита перехода: фаза и статус
	// не откатываются
	state, _ := f.store.Get(ctx, "saga-1")
	if state.CurrentPhase != 1 {
		t.Errorf("trigger must not rewind phase, got %d", state.CurrentPhase)
	}
	if state.Status != StatusInPhase {
		t.Errorf("trigger must not rewind status, got %s", state.Status)
	}
	if state.Metadata[MetadataForcedPhase] != "3" {
		t.Errorf("expected forced_phase metadata 3, got %q", state.Metadata[MetadataForcedPhase])
	}

	pending, _ := f.store.PendingOutbox(ctx, 10)
	if len(pending) != 2 {
		t.Fatalf("expected 2 outbox records (transition + trigger), got %d", len(pending))
	}
	if pending[1].Subject != "saga.order.phase.3.command" {
		t.Errorf("unexpected trigger subject: %s", pending[1].Subject)
	}
}

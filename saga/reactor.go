// Package saga предоставляет Reactor - параметризованный обработчик событий фаз.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akriventsev/conductor/metrics"
	"github.com/akriventsev/conductor/transport"
)

// Reactor потребляет события завершения фаз и выполняет переходы конечного
// автомата саги. Одна функция перехода обслуживает все фазы таблицы
// определения. Переходы одного sagaId сериализуются KeyedExecutor, мутация
// состояния и постановка следующей команды фиксируются одной единицей Store.
type Reactor struct {
	store      Store
	emitter    *Emitter
	registry   *Registry
	executor   *KeyedExecutor
	serializer transport.MessageSerializer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewReactor создает новый Reactor
func NewReactor(store Store, emitter *Emitter, registry *Registry, executor *KeyedExecutor, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		store:      store,
		emitter:    emitter,
		registry:   registry,
		executor:   executor,
		serializer: transport.DefaultSerializer(),
		logger:     logger,
	}
}

// WithMetrics добавляет метрики к Reactor
func (r *Reactor) WithMetrics(m *metrics.Metrics) *Reactor {
	r.metrics = m
	return r
}

// WithSerializer устанавливает сериализатор конвертов
func (r *Reactor) WithSerializer(serializer transport.MessageSerializer) *Reactor {
	r.serializer = serializer
	return r
}

// Subscribe подписывает реактор на каналы событий всех фаз всех
// зарегистрированных определений
func (r *Reactor) Subscribe(ctx context.Context, bus transport.Subscriber) error {
	for _, name := range r.registry.Names() {
		definition, err := r.registry.Get(name)
		if err != nil {
			return err
		}
		for _, phase := range definition.Phases {
			if err := bus.Subscribe(ctx, phase.EventSubject, r.Handler(definition, phase.Number)); err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", phase.EventSubject, err)
			}
		}
	}
	return nil
}

// Handler возвращает обработчик сообщений для событий фазы phase
func (r *Reactor) Handler(definition *Definition, phase int) transport.MessageHandler {
	return func(ctx context.Context, msg *transport.Message) error {
		env, err := transport.DecodeEnvelope(r.serializer, msg.Data)
		if err != nil {
			// Некорректный конверт возвращается шине: повторная доставка
			// и dead-lettering - ее забота
			r.logger.Error("failed to decode phase event envelope",
				"subject", msg.Subject, "error", err)
			return err
		}

		var event PhaseEvent
		if err := r.serializer.Deserialize(env.Payload, &event); err != nil {
			r.logger.Error("failed to decode phase event payload",
				"saga_id", env.SagaID, "error", err)
			return err
		}
		if err := event.Validate(); err != nil {
			r.logger.Error("invalid phase event",
				"saga_id", env.SagaID, "error", err)
			return err
		}
		if event.Phase != phase {
			return fmt.Errorf("phase event %d received on phase %d channel", event.Phase, phase)
		}

		return r.executor.Do(ctx, env.SagaID, func(ctx context.Context) error {
			return r.transition(ctx, definition, env, &event)
		})
	}
}

// transition выполняет переход конечного автомата для события фазы n:
//  1. Терминальный статус или CurrentPhase >= n - дубликат/устаревшая
//     доставка, no-op.
//  2. FAILURE - терминальный FAILED с lastError, команд больше не будет.
//  3. SUCCESS - CurrentPhase = n; n < last: команда фазы n+1 в той же
//     единице фиксации; n == last: DONE.
func (r *Reactor) transition(ctx context.Context, definition *Definition, env *transport.Envelope, event *PhaseEvent) error {
	n := event.Phase

	state, err := r.store.Get(ctx, env.SagaID)
	if err != nil {
		if IsCode(err, ErrNotFound) {
			// Событие неизвестной саги: повторная доставка не поможет
			r.logger.Warn("phase event for unknown saga discarded",
				"saga_id", env.SagaID, "phase", n)
			return nil
		}
		return err
	}

	if state.Status.Terminal() || state.CurrentPhase >= n {
		r.logger.Debug("duplicate or stale phase event discarded",
			"saga_id", state.SagaID,
			"phase", n,
			"current_phase", state.CurrentPhase,
			"status", state.Status)
		if r.metrics != nil {
			r.metrics.RecordDuplicateEvent(ctx, state.Definition, n)
		}
		return nil
	}

	now := time.Now().UTC()
	state.CurrentPhase = n
	state.UpdatedAt = now

	var outbound []*OutboxMessage
	switch event.Outcome {
	case OutcomeFailure:
		state.Status = StatusFailed
		state.LastError = event.Reason
	case OutcomeSuccess:
		if n < definition.LastPhase() {
			state.Status = StatusInPhase
			command, err := r.emitter.Command(definition, state, n+1, env.EventID, false)
			if err != nil {
				return err
			}
			outbound = append(outbound, command)
		} else {
			state.Status = StatusDone
		}
	}

	if err := r.store.Update(ctx, state, outbound); err != nil {
		return err
	}

	r.logger.Info("phase transition committed",
		"saga_id", state.SagaID,
		"phase", n,
		"outcome", event.Outcome,
		"status", state.Status)

	if r.metrics != nil {
		r.metrics.RecordPhaseTransition(ctx, state.Definition, n, string(event.Outcome))
		r.metrics.RecordPhaseLatency(ctx, state.Definition, n, now.Sub(state.StartedAt))
		switch state.Status {
		case StatusDone:
			r.metrics.RecordSagaCompleted(ctx, state.Definition)
		case StatusFailed:
			r.metrics.RecordSagaFailed(ctx, state.Definition, n)
		}
	}
	return nil
}

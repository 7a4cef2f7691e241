// Package worker предоставляет воркер фаз - потребителя команд, выполняющего
// работу фазы и публикующего событие завершения.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akriventsev/conductor/saga"
	"github.com/akriventsev/conductor/transport"
)

// Config конфигурация воркера фаз
type Config struct {
	// Source имя воркера в заголовке source исходящих событий
	Source string
	// Delay имитация длительности работы фазы
	Delay time.Duration
	// FailAt фаза -> причина отказа. Команды этих фаз завершаются FAILURE.
	FailAt map[int]string
}

// DefaultConfig возвращает конфигурацию воркера по умолчанию
func DefaultConfig() Config {
	return Config{
		Source: "phase-worker",
	}
}

// Worker обрабатывает команды фаз одного определения саги. Для каждой
// команды публикуется событие с тем же sagaId/correlationId и causationId,
// равным eventId команды.
type Worker struct {
	config     Config
	definition *saga.Definition
	bus        transport.MessageBus
	serializer transport.MessageSerializer
	logger     *slog.Logger
}

// New создает новый воркер фаз
func New(config Config, definition *saga.Definition, bus transport.MessageBus, logger *slog.Logger) *Worker {
	if config.Source == "" {
		config.Source = DefaultConfig().Source
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		config:     config,
		definition: definition,
		bus:        bus,
		serializer: transport.DefaultSerializer(),
		logger:     logger,
	}
}

// Subscribe подписывает воркер на каналы команд всех фаз определения
func (w *Worker) Subscribe(ctx context.Context) error {
	for _, phase := range w.definition.Phases {
		if err := w.bus.Subscribe(ctx, phase.CommandSubject, w.handler(phase)); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", phase.CommandSubject, err)
		}
	}
	return nil
}

func (w *Worker) handler(phase saga.Phase) transport.MessageHandler {
	return func(ctx context.Context, msg *transport.Message) error {
		env, err := transport.DecodeEnvelope(w.serializer, msg.Data)
		if err != nil {
			w.logger.Error("failed to decode phase command envelope",
				"subject", msg.Subject, "error", err)
			return err
		}

		var command saga.PhaseCommand
		if err := w.serializer.Deserialize(env.Payload, &command); err != nil {
			w.logger.Error("failed to decode phase command payload",
				"saga_id", env.SagaID, "error", err)
			return err
		}

		if w.config.Delay > 0 {
			select {
			case <-time.After(w.config.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		event := saga.PhaseEvent{
			Phase:   phase.Number,
			Outcome: saga.OutcomeSuccess,
			Payload: command.Payload,
		}
		if reason, fail := w.config.FailAt[phase.Number]; fail {
			event.Outcome = saga.OutcomeFailure
			event.Reason = reason
		}

		return w.publishEvent(ctx, phase, env, &event)
	}
}

func (w *Worker) publishEvent(ctx context.Context, phase saga.Phase, cause *transport.Envelope, event *saga.PhaseEvent) error {
	payload, err := w.serializer.Serialize(event)
	if err != nil {
		return fmt.Errorf("failed to encode phase event: %w", err)
	}

	env := transport.NewEnvelope(saga.TypePhaseEvent, cause.SagaID, payload).
		WithCorrelationID(cause.CorrelationID).
		WithCausationID(cause.EventID).
		WithSource(w.config.Source)

	data, err := w.serializer.Serialize(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	if err := w.bus.Publish(ctx, phase.EventSubject, data, env.Headers()); err != nil {
		return fmt.Errorf("failed to publish phase event: %w", err)
	}

	w.logger.Info("phase completed",
		"saga_id", cause.SagaID,
		"phase", phase.Number,
		"outcome", event.Outcome)
	return nil
}

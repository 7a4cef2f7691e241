// Package saga предоставляет Initiator - точку входа жизненного цикла саги.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/conductor/metrics"
)

// MetadataForcedPhase ключ метаданных с номером последней фазы, запущенной
// вне обычного порядка через TriggerPhase
const MetadataForcedPhase = "forced_phase"

// StartRequest запрос на запуск саги
type StartRequest struct {
	SagaID  string          `json:"sagaId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// StartResult результат запуска саги. Phase - зафиксированный счетчик фаз
// (0 для новой саги: команда первой фазы уже в outbox, но ни одна фаза еще
// не завершена).
type StartResult struct {
	SagaID string `json:"sagaId"`
	Status Status `json:"status"`
	Phase  int    `json:"phase"`
}

// Initiator создает саги, отдает снимки состояния и выполняет
// административные операции (отмена, принудительный запуск фазы)
type Initiator struct {
	store    Store
	emitter  *Emitter
	registry *Registry
	executor *KeyedExecutor
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewInitiator создает новый Initiator
func NewInitiator(store Store, emitter *Emitter, registry *Registry, logger *slog.Logger) *Initiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Initiator{
		store:    store,
		emitter:  emitter,
		registry: registry,
		logger:   logger,
	}
}

// WithMetrics добавляет метрики к Initiator
func (i *Initiator) WithMetrics(m *metrics.Metrics) *Initiator {
	i.metrics = m
	return i
}

// WithExecutor направляет read-modify-write административных операций через
// тот же KeyedExecutor, что и переходы реактора. Cancel и TriggerPhase по
// одному sagaId сериализуются с переходами и не перезаписывают их
// конкурентные коммиты.
func (i *Initiator) WithExecutor(executor *KeyedExecutor) *Initiator {
	i.executor = executor
	return i
}

// serialized выполняет fn в single-writer полосе sagaId. Без исполнителя
// fn выполняется на месте (однопоточные сценарии).
func (i *Initiator) serialized(ctx context.Context, sagaID string, fn func(ctx context.Context) error) error {
	if i.executor == nil {
		return fn(ctx)
	}
	return i.executor.Do(ctx, sagaID, fn)
}

// Start создает сагу и атомарно ставит команду первой фазы в outbox.
// Повторный запуск существующего sagaId - no-op, возвращающий текущее
// состояние без постановки новой команды.
func (i *Initiator) Start(ctx context.Context, definitionName string, req StartRequest) (*StartResult, error) {
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		return nil, NewError(ErrValidationFailed, "start payload is required")
	}

	definition, err := i.registry.Get(definitionName)
	if err != nil {
		return nil, err
	}

	sagaID := req.SagaID
	if sagaID == "" {
		sagaID = uuid.New().String()
	}

	now := time.Now().UTC()
	state := &State{
		SagaID:        sagaID,
		Definition:    definition.Name,
		Status:        StatusStarted,
		CurrentPhase:  0,
		CorrelationID: uuid.New().String(),
		StartedAt:     now,
		UpdatedAt:     now,
		Payload:       req.Payload,
	}

	// Команда первой фазы кодируется до записи: SerializationError не
	// оставляет частичного состояния
	command, err := i.emitter.Command(definition, state, 1, "", false)
	if err != nil {
		return nil, err
	}

	committed, created, err := i.store.Init(ctx, state, []*OutboxMessage{command})
	if err != nil {
		return nil, err
	}
	if created {
		i.logger.Info("saga started",
			"saga_id", committed.SagaID,
			"definition", committed.Definition,
			"correlation_id", committed.CorrelationID)
		if i.metrics != nil {
			i.metrics.RecordSagaStarted(ctx, committed.Definition)
		}
	}

	return &StartResult{
		SagaID: committed.SagaID,
		Status: committed.Status,
		Phase:  committed.CurrentPhase,
	}, nil
}

// GetStatus возвращает снимок состояния саги
func (i *Initiator) GetStatus(ctx context.Context, sagaID string) (*State, error) {
	return i.store.Get(ctx, sagaID)
}

// List возвращает все саги определения (мониторинг)
func (i *Initiator) List(ctx context.Context, definitionName string) ([]*State, error) {
	if _, err := i.registry.Get(definitionName); err != nil {
		return nil, err
	}
	return i.store.List(ctx, definitionName)
}

// Cancel переводит сагу в CANCELLED независимо от текущей фазы. Отмена
// кооперативна: уже обрабатываемая воркером фаза не прерывается, ее событие
// будет отброшено idempotence-guard реактора. Уже терминальная сага не
// меняется: возвращается текущий снимок. Get и Update идут одной задачей
// single-writer полосы sagaId, поэтому отмена не теряется между чтением и
// записью конкурентного перехода.
func (i *Initiator) Cancel(ctx context.Context, sagaID string) (*State, error) {
	var result *State
	cancelled := false
	err := i.serialized(ctx, sagaID, func(ctx context.Context) error {
		state, err := i.store.Get(ctx, sagaID)
		if err != nil {
			return err
		}
		if state.Status.Terminal() {
			result = state
			return nil
		}

		state.Status = StatusCancelled
		state.UpdatedAt = time.Now().UTC()
		if err := i.store.Update(ctx, state, nil); err != nil {
			return err
		}
		result = state
		cancelled = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled {
		i.logger.Info("saga cancelled", "saga_id", sagaID, "phase", result.CurrentPhase)
		if i.metrics != nil {
			i.metrics.RecordSagaCancelled(ctx, result.Definition)
		}
	}
	return result, nil
}

// TriggerPhase административно ставит команду фазы phase в outbox, минуя
// правило "следующая за текущей". Небезопасно: не проверяет и не меняет
// CurrentPhase, поэтому сохраненный счетчик и реально идущая фаза могут
// разойтись. Запуск помечается forced-флагом команды и метаданными
// forced_phase. Снимок читается и пишется одной задачей single-writer
// полосы sagaId: запись метаданных не откатывает коммит конкурентного
// перехода.
func (i *Initiator) TriggerPhase(ctx context.Context, sagaID string, phase int) error {
	var currentPhase int
	err := i.serialized(ctx, sagaID, func(ctx context.Context) error {
		state, err := i.store.Get(ctx, sagaID)
		if err != nil {
			return err
		}

		definition, err := i.registry.Get(state.Definition)
		if err != nil {
			return err
		}
		if phase < 1 || phase > definition.LastPhase() {
			return NewError(ErrPhaseOutOfRange,
				fmt.Sprintf("phase %d out of range 1..%d", phase, definition.LastPhase()))
		}

		command, err := i.emitter.Command(definition, state, phase, "", true)
		if err != nil {
			return err
		}

		state.SetMetadata(MetadataForcedPhase, strconv.Itoa(phase))
		state.UpdatedAt = time.Now().UTC()
		if err := i.store.Update(ctx, state, []*OutboxMessage{command}); err != nil {
			return err
		}
		currentPhase = state.CurrentPhase
		return nil
	})
	if err != nil {
		return err
	}

	i.logger.Warn("phase triggered out of band",
		"saga_id", sagaID,
		"phase", phase,
		"current_phase", currentPhase)
	return nil
}

// Package saga предоставляет Dispatcher - публикацию записей outbox в шину.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akriventsev/conductor/metrics"
	"github.com/akriventsev/conductor/transport"
)

// DispatcherConfig конфигурация диспетчера outbox
type DispatcherConfig struct {
	// Interval период опроса outbox
	Interval time.Duration
	// BatchSize максимум записей за один проход
	BatchSize int
}

// DefaultDispatcherConfig возвращает конфигурацию диспетчера по умолчанию
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:  100 * time.Millisecond,
		BatchSize: 100,
	}
}

// Validate проверяет конфигурацию диспетчера
func (c DispatcherConfig) Validate() error {
	if c.Interval <= 0 {
		return NewError(ErrInvalidConfig, "dispatcher interval must be positive")
	}
	if c.BatchSize <= 0 {
		return NewError(ErrInvalidConfig, "dispatcher batch size must be positive")
	}
	return nil
}

// Dispatcher опрашивает outbox и публикует неотправленные записи в шину.
// Запись помечается отправленной только после успешной публикации, поэтому
// гарантия - at-least-once: сбой между публикацией и пометкой дает повторную
// доставку, которую поглощает idempotence-guard реактора.
type Dispatcher struct {
	store     Store
	publisher transport.Publisher
	config    DispatcherConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewDispatcher создает новый Dispatcher
func NewDispatcher(store Store, publisher transport.Publisher, config DispatcherConfig, logger *slog.Logger) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		config:    config,
		logger:    logger,
	}, nil
}

// WithMetrics добавляет метрики к Dispatcher
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// DispatchPending публикует один пакет неотправленных записей outbox и
// возвращает число опубликованных. Порядок публикации - порядок создания
// записей, что вместе с ключом партиционирования сохраняет порядок команд
// одного sagaId.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	pending, err := d.store.PendingOutbox(ctx, d.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending outbox: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	dispatched := make([]string, 0, len(pending))
	for _, record := range pending {
		if err := d.publisher.Publish(ctx, record.Subject, record.Data, record.Headers); err != nil {
			// Частичный пакет фиксируется: уже опубликованное не
			// публикуется повторно на следующем проходе
			d.markDispatched(ctx, dispatched)
			return len(dispatched), Wrap(err, ErrTransportFailed,
				fmt.Sprintf("failed to publish outbox record %s to %s", record.ID, record.Subject))
		}
		dispatched = append(dispatched, record.ID)
	}

	d.markDispatched(ctx, dispatched)
	return len(dispatched), nil
}

// Run запускает цикл опроса outbox до отмены контекста
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	d.logger.Info("outbox dispatcher started",
		"interval", d.config.Interval,
		"batch_size", d.config.BatchSize)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.DispatchPending(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("outbox dispatch pass failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) markDispatched(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := d.store.MarkDispatched(ctx, ids); err != nil {
		d.logger.Error("failed to mark outbox records dispatched",
			"count", len(ids), "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.RecordOutboxDispatched(ctx, len(ids))
	}
}

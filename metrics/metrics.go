// Package metrics предоставляет систему метрик оркестратора на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics сборщик метрик оркестратора
type Metrics struct {
	meter            metric.Meter
	sagasStarted     metric.Int64Counter
	sagasCompleted   metric.Int64Counter
	sagasFailed      metric.Int64Counter
	sagasCancelled   metric.Int64Counter
	phaseTransitions metric.Int64Counter
	duplicateEvents  metric.Int64Counter
	outboxDispatched metric.Int64Counter
	phaseLatency     metric.Float64Histogram
}

// NewMetrics создает новый сборщик метрик
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("conductor")

	sagasStarted, err := meter.Int64Counter(
		"sagas_started_total",
		metric.WithDescription("Total number of sagas started"),
	)
	if err != nil {
		return nil, err
	}

	sagasCompleted, err := meter.Int64Counter(
		"sagas_completed_total",
		metric.WithDescription("Total number of sagas completed (DONE)"),
	)
	if err != nil {
		return nil, err
	}

	sagasFailed, err := meter.Int64Counter(
		"sagas_failed_total",
		metric.WithDescription("Total number of sagas failed"),
	)
	if err != nil {
		return nil, err
	}

	sagasCancelled, err := meter.Int64Counter(
		"sagas_cancelled_total",
		metric.WithDescription("Total number of sagas cancelled"),
	)
	if err != nil {
		return nil, err
	}

	phaseTransitions, err := meter.Int64Counter(
		"phase_transitions_total",
		metric.WithDescription("Total number of committed phase transitions"),
	)
	if err != nil {
		return nil, err
	}

	duplicateEvents, err := meter.Int64Counter(
		"duplicate_events_total",
		metric.WithDescription("Total number of duplicate or stale phase events discarded"),
	)
	if err != nil {
		return nil, err
	}

	outboxDispatched, err := meter.Int64Counter(
		"outbox_dispatched_total",
		metric.WithDescription("Total number of outbox records published"),
	)
	if err != nil {
		return nil, err
	}

	phaseLatency, err := meter.Float64Histogram(
		"phase_latency_seconds",
		metric.WithDescription("Time between saga start and phase transition commit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:            meter,
		sagasStarted:     sagasStarted,
		sagasCompleted:   sagasCompleted,
		sagasFailed:      sagasFailed,
		sagasCancelled:   sagasCancelled,
		phaseTransitions: phaseTransitions,
		duplicateEvents:  duplicateEvents,
		outboxDispatched: outboxDispatched,
		phaseLatency:     phaseLatency,
	}, nil
}

// RecordSagaStarted записывает метрику запуска саги
func (m *Metrics) RecordSagaStarted(ctx context.Context, definition string) {
	m.sagasStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("definition", definition)))
}

// RecordSagaCompleted записывает метрику успешного завершения саги
func (m *Metrics) RecordSagaCompleted(ctx context.Context, definition string) {
	m.sagasCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("definition", definition)))
}

// RecordSagaFailed записывает метрику отказа саги
func (m *Metrics) RecordSagaFailed(ctx context.Context, definition string, phase int) {
	m.sagasFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("definition", definition),
		attribute.Int("phase", phase),
	))
}

// RecordSagaCancelled записывает метрику отмены саги
func (m *Metrics) RecordSagaCancelled(ctx context.Context, definition string) {
	m.sagasCancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("definition", definition)))
}

// RecordPhaseTransition записывает метрику зафиксированного перехода фазы
func (m *Metrics) RecordPhaseTransition(ctx context.Context, definition string, phase int, outcome string) {
	m.phaseTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("definition", definition),
		attribute.Int("phase", phase),
		attribute.String("outcome", outcome),
	))
}

// RecordDuplicateEvent записывает метрику отброшенного дубликата
func (m *Metrics) RecordDuplicateEvent(ctx context.Context, definition string, phase int) {
	m.duplicateEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("definition", definition),
		attribute.Int("phase", phase),
	))
}

// RecordOutboxDispatched записывает метрику опубликованных записей outbox
func (m *Metrics) RecordOutboxDispatched(ctx context.Context, count int) {
	m.outboxDispatched.Add(ctx, int64(count))
}

// RecordPhaseLatency записывает время от старта саги до фиксации перехода
func (m *Metrics) RecordPhaseLatency(ctx context.Context, definition string, phase int, duration time.Duration) {
	m.phaseLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("definition", definition),
		attribute.Int("phase", phase),
	))
}

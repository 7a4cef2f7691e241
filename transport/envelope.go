// Package transport предоставляет конверт сообщения и распространение
// стандартных заголовков saga_id/correlation_id/causation_id.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Стандартные заголовки сообщений. Дублируют поля конверта на транспортном
// уровне, чтобы маршрутизация и фильтрация не требовали десериализации payload.
const (
	HeaderSagaID        = "saga_id"
	HeaderCorrelationID = "correlation_id"
	HeaderCausationID   = "causation_id"
	HeaderEventID       = "event_id"
	HeaderSource        = "source"
	HeaderType          = "type"
)

// Envelope конверт сообщения фазы. correlationId постоянен для всех сообщений
// одной саги, causationId указывает на сообщение, вызвавшее текущее.
type Envelope struct {
	Type          string          `json:"type"`
	SagaID        string          `json:"sagaId"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId,omitempty"`
	EventID       string          `json:"eventId"`
	Source        string          `json:"source,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope создает конверт с новым eventId и текущим временем
func NewEnvelope(msgType, sagaID string, payload json.RawMessage) *Envelope {
	return &Envelope{
		Type:      msgType,
		SagaID:    sagaID,
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// WithCorrelationID устанавливает correlation ID
func (e *Envelope) WithCorrelationID(id string) *Envelope {
	e.CorrelationID = id
	return e
}

// WithCausationID устанавливает causation ID
func (e *Envelope) WithCausationID(id string) *Envelope {
	e.CausationID = id
	return e
}

// WithSource устанавливает источник сообщения
func (e *Envelope) WithSource(source string) *Envelope {
	e.Source = source
	return e
}

// Headers возвращает транспортные заголовки, дублирующие поля конверта
func (e *Envelope) Headers() map[string]string {
	return map[string]string{
		HeaderSagaID:        e.SagaID,
		HeaderCorrelationID: e.CorrelationID,
		HeaderCausationID:   e.CausationID,
		HeaderEventID:       e.EventID,
		HeaderSource:        e.Source,
		HeaderType:          e.Type,
	}
}

// Validate проверяет обязательные поля конверта
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("envelope type cannot be empty")
	}
	if e.SagaID == "" {
		return fmt.Errorf("envelope sagaId cannot be empty")
	}
	if e.EventID == "" {
		return fmt.Errorf("envelope eventId cannot be empty")
	}
	return nil
}

// DecodeEnvelope десериализует конверт из данных сообщения
func DecodeEnvelope(serializer MessageSerializer, data []byte) (*Envelope, error) {
	var env Envelope
	if err := serializer.Deserialize(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &env, nil
}

// GenerateCorrelationID генерирует уникальный correlation ID
func GenerateCorrelationID() string {
	return uuid.New().String()
}

// Package saga предоставляет оркестратор фазовых саг: координацию
// долгоживущей транзакции из четырех фаз через асинхронный обмен сообщениями
// с durable-состоянием и транзакционным outbox.
package saga

import (
	"encoding/json"
	"time"
)

// Status статус выполнения саги
type Status string

const (
	// StatusStarted сага создана, команда первой фазы поставлена в outbox
	StatusStarted Status = "STARTED"
	// StatusInPhase сага продвигается, текущая фаза в CurrentPhase
	StatusInPhase Status = "IN_PHASE"
	// StatusDone все фазы завершены успешно (терминальный)
	StatusDone Status = "DONE"
	// StatusFailed фаза сообщила FAILURE, причина в LastError (терминальный)
	StatusFailed Status = "FAILED"
	// StatusCancelled сага отменена оператором (терминальный)
	StatusCancelled Status = "CANCELLED"
)

// Terminal проверяет, является ли статус терминальным. Терминальный статус
// не меняется никогда: защита от дубликатов опирается на эту проверку.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// State состояние экземпляра саги. Единственный владелец - Store;
// мутируется только Initiator (создание, отмена) и Reactor (продвижение).
type State struct {
	SagaID        string            `json:"sagaId"`
	Definition    string            `json:"definition"`
	Status        Status            `json:"status"`
	CurrentPhase  int               `json:"currentPhase"`
	CorrelationID string            `json:"correlationId"`
	StartedAt     time.Time         `json:"startedAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	LastError     string            `json:"lastError,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

// Clone возвращает глубокую копию состояния
func (s *State) Clone() *State {
	clone := *s
	if s.Metadata != nil {
		clone.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	if s.Payload != nil {
		clone.Payload = make(json.RawMessage, len(s.Payload))
		copy(clone.Payload, s.Payload)
	}
	return &clone
}

// SetMetadata устанавливает значение метаданных
func (s *State) SetMetadata(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
}

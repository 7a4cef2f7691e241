// Package saga предоставляет payload команд и событий фаз.
package saga

import (
	"encoding/json"
	"fmt"
)

// Типы сообщений в конверте
const (
	TypePhaseCommand = "saga.phase.command"
	TypePhaseEvent   = "saga.phase.event"
)

// Outcome явный исход обработки фазы воркером. Типизированное поле вместо
// текстового поиска "Failed" в payload: воркер обязан проставить исход,
// реактор потребляет его структурно.
type Outcome string

const (
	// OutcomeSuccess фаза обработана успешно
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeFailure фаза завершилась ошибкой, причина в Reason
	OutcomeFailure Outcome = "FAILURE"
)

// PhaseCommand команда на обработку фазы n. Forced выставляется только
// административной операцией TriggerPhase.
type PhaseCommand struct {
	Phase   int             `json:"phase"`
	Forced  bool            `json:"forced,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PhaseEvent событие завершения фазы n, публикуется воркером
type PhaseEvent struct {
	Phase   int             `json:"phase"`
	Outcome Outcome         `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate проверяет корректность события фазы
func (e *PhaseEvent) Validate() error {
	if e.Phase < 1 {
		return fmt.Errorf("event phase must be positive, got %d", e.Phase)
	}
	if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
		return fmt.Errorf("event outcome must be SUCCESS or FAILURE, got %q", e.Outcome)
	}
	return nil
}

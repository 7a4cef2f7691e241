// Package saga предоставляет Emitter - построитель исходящих команд фаз.
package saga

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/conductor/transport"
)

// Emitter кодирует команды фаз в записи outbox. Заголовки saga_id,
// correlation_id, causation_id, event_id, source, type проставляются и в
// конверт, и на транспортный уровень. Ошибка сериализации возвращается до
// какой-либо записи состояния: сага не продвигается, вызов можно повторить.
type Emitter struct {
	source     string
	serializer transport.MessageSerializer
}

// NewEmitter создает новый Emitter. source попадает в заголовок source
// каждого исходящего сообщения.
func NewEmitter(source string, serializer transport.MessageSerializer) *Emitter {
	if serializer == nil {
		serializer = transport.DefaultSerializer()
	}
	return &Emitter{source: source, serializer: serializer}
}

// Command строит запись outbox с командой фазы phase для саги state.
// causationID - eventId сообщения, вызвавшего эту команду (пустой для
// команды первой фазы, поставленной Initiator).
func (e *Emitter) Command(definition *Definition, state *State, phase int, causationID string, forced bool) (*OutboxMessage, error) {
	p, ok := definition.Phase(phase)
	if !ok {
		return nil, NewError(ErrPhaseOutOfRange, fmt.Sprintf("phase %d out of range for definition %s", phase, definition.Name))
	}

	command := PhaseCommand{
		Phase:   phase,
		Forced:  forced,
		Payload: state.Payload,
	}
	payload, err := e.serializer.Serialize(command)
	if err != nil {
		return nil, Wrap(err, ErrSerializationFailed, "failed to encode phase command")
	}

	env := transport.NewEnvelope(TypePhaseCommand, state.SagaID, payload).
		WithCorrelationID(state.CorrelationID).
		WithCausationID(causationID).
		WithSource(e.source)

	data, err := e.serializer.Serialize(env)
	if err != nil {
		return nil, Wrap(err, ErrSerializationFailed, "failed to encode envelope")
	}

	return &OutboxMessage{
		ID:        uuid.New().String(),
		Subject:   p.CommandSubject,
		Key:       state.SagaID,
		Data:      data,
		Headers:   env.Headers(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

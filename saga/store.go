// Package saga предоставляет интерфейс хранилища состояния саг.
package saga

import (
	"context"
	"time"
)

// OutboxMessage запись транзакционного outbox: закодированная команда,
// зафиксированная в одной атомарной единице с изменением состояния саги.
// Диспетчер публикует записи at-least-once; дубликаты гасятся
// idempotence-guard реактора на стороне потребителя.
type OutboxMessage struct {
	ID           string
	Subject      string
	Key          string
	Data         []byte
	Headers      map[string]string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// Store durable-хранилище состояния саг. Единственный источник истины о
// текущей фазе. Записи по одному sagaId сериализуются KeyedExecutor
// (single-writer на ключ партиционирования), хранилищу достаточно
// атомарности "состояние + outbox" в пределах одного вызова.
type Store interface {
	// Init идемпотентно создает сагу вместе с командами в outbox.
	// Если сага уже существует, возвращает существующее состояние,
	// created=false и НЕ ставит команды в outbox.
	Init(ctx context.Context, state *State, outbound []*OutboxMessage) (*State, bool, error)
	// Get возвращает снимок состояния саги или ошибку NOT_FOUND
	Get(ctx context.Context, sagaID string) (*State, error)
	// List возвращает все саги указанного определения
	List(ctx context.Context, definition string) ([]*State, error)
	// Update атомарно сохраняет состояние и ставит команды в outbox.
	// Это несущая гарантия корректности: сбой между мутацией состояния и
	// постановкой команды невозможен, единица фиксируется целиком или никак.
	Update(ctx context.Context, state *State, outbound []*OutboxMessage) error
	// UpdatePhase сохраняет только счетчик фазы (административный путь)
	UpdatePhase(ctx context.Context, sagaID string, phase int) error
	// PendingOutbox возвращает неотправленные записи outbox в порядке создания
	PendingOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error)
	// MarkDispatched помечает записи outbox как отправленные
	MarkDispatched(ctx context.Context, ids []string) error
}

// Package transport предоставляет абстракции для обмена сообщениями между
// оркестратором и воркерами фаз.
package transport

import (
	"context"
)

// Message представляет сообщение в канале
type Message struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

// Key возвращает ключ партиционирования сообщения (saga_id из заголовков).
// Сообщения с одним ключом доставляются строго по порядку.
func (m *Message) Key() string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[HeaderSagaID]
}

// MessageHandler обработчик сообщений
type MessageHandler func(ctx context.Context, msg *Message) error

// MessageSerializer интерфейс для сериализации сообщений
type MessageSerializer interface {
	// Serialize сериализует сообщение
	Serialize(msg interface{}) ([]byte, error)
	// Deserialize десериализует сообщение
	Deserialize(data []byte, msg interface{}) error
}

// Publisher публикатор сообщений
type Publisher interface {
	// Publish публикует сообщение в subject
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// Subscriber подписчик на сообщения
type Subscriber interface {
	// Subscribe подписывается на subject и вызывает handler при получении сообщения
	Subscribe(ctx context.Context, subject string, handler MessageHandler) error
	// Unsubscribe отписывается от subject
	Unsubscribe(subject string) error
}

// MessageBus объединяет возможности публикации и подписки
type MessageBus interface {
	Publisher
	Subscriber
}

// Lifecycle жизненный цикл адаптера шины
type Lifecycle interface {
	// Start запускает адаптер
	Start(ctx context.Context) error
	// Stop останавливает адаптер
	Stop(ctx context.Context) error
	// IsRunning проверяет, запущен ли адаптер
	IsRunning() bool
}

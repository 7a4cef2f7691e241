// Package messagebus предоставляет адаптеры шины сообщений для различных
// message brokers.
package messagebus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/akriventsev/conductor/transport"
)

// InMemoryConfig конфигурация встроенной шины
type InMemoryConfig struct {
	// BufferSize размер буфера канала подписки
	BufferSize int
}

// DefaultInMemoryConfig возвращает конфигурацию встроенной шины по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{
		BufferSize: 256,
	}
}

// InMemoryBus встроенная шина сообщений для тестов и локального запуска.
// Каждая подписка обслуживается одной горутиной, поэтому сообщения одного
// subject доставляются в порядке публикации.
type InMemoryBus struct {
	config  InMemoryConfig
	subs    map[string]*inMemorySub
	mu      sync.RWMutex
	running bool
	logger  *slog.Logger
}

type inMemorySub struct {
	ch   chan *transport.Message
	stop chan struct{}
	done chan struct{}
}

// NewInMemoryBus создает новую встроенную шину
func NewInMemoryBus(config InMemoryConfig) *InMemoryBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultInMemoryConfig().BufferSize
	}
	return &InMemoryBus{
		config: config,
		subs:   make(map[string]*inMemorySub),
		logger: slog.Default(),
	}
}

// WithLogger устанавливает логгер шины
func (b *InMemoryBus) WithLogger(logger *slog.Logger) *InMemoryBus {
	b.logger = logger
	return b
}

// Start запускает шину (реализация transport.Lifecycle)
func (b *InMemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = true
	return nil
}

// Stop останавливает шину и все подписки (реализация transport.Lifecycle).
// Ожидание горутин подписок идет без блокировки: обработчик, публикующий
// сообщения во время остановки, не взаимоблокируется с Stop.
func (b *InMemoryBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	subs := b.subs
	b.subs = make(map[string]*inMemorySub)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.stop)
		<-sub.done
	}
	return nil
}

// IsRunning проверяет, запущена ли шина (реализация transport.Lifecycle)
func (b *InMemoryBus) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Publish публикует сообщение подписчику subject. Отсутствие подписчика не
// ошибка: сообщение отбрасывается, как в брокере без консьюмеров.
func (b *InMemoryBus) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	b.mu.RLock()
	if !b.running {
		b.mu.RUnlock()
		return fmt.Errorf("in-memory bus is not running")
	}
	sub, exists := b.subs[subject]
	b.mu.RUnlock()

	if !exists {
		return nil
	}

	msg := &transport.Message{
		Subject: subject,
		Data:    append([]byte(nil), data...),
		Headers: copyHeaders(headers),
	}

	select {
	case sub.ch <- msg:
		return nil
	case <-sub.stop:
		return fmt.Errorf("subscription for %s is stopped", subject)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe подписывается на subject. Поддерживается один подписчик на
// subject: оркестратор и воркеры слушают непересекающиеся каналы.
func (b *InMemoryBus) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[subject]; exists {
		return fmt.Errorf("subject %s already has a subscriber", subject)
	}

	sub := &inMemorySub{
		ch:   make(chan *transport.Message, b.config.BufferSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	b.subs[subject] = sub

	go func() {
		defer close(sub.done)
		for {
			select {
			case msg := <-sub.ch:
				if err := handler(ctx, msg); err != nil {
					b.logger.Error("message handler failed",
						"subject", msg.Subject, "error", err)
				}
			case <-sub.stop:
				return
			}
		}
	}()

	return nil
}

// Unsubscribe отписывается от subject
func (b *InMemoryBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	sub, exists := b.subs[subject]
	if exists {
		delete(b.subs, subject)
	}
	b.mu.Unlock()

	if !exists {
		return nil
	}
	close(sub.stop)
	<-sub.done
	return nil
}

func copyHeaders(headers map[string]string) map[string]string {
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	return copied
}

// Package saga предоставляет KeyedExecutor - single-writer исполнение по
// ключу партиционирования.
package saga

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// KeyedExecutor сериализует задачи по ключу: задачи одного ключа выполняются
// строго по одной, задачи разных ключей - параллельно на независимых
// воркерах. Реактор и административные операции Initiator прогоняют записи
// через него, поэтому для одного sagaId не бывает перекрывающихся
// read-modify-write и хранилищу не нужны блокировки.
type KeyedExecutor struct {
	workers []chan keyedTask
	quit    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

type keyedTask struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// NewKeyedExecutor создает исполнитель с workerCount воркерами
func NewKeyedExecutor(workerCount int) *KeyedExecutor {
	if workerCount <= 0 {
		workerCount = 1
	}
	e := &KeyedExecutor{
		workers: make([]chan keyedTask, workerCount),
		quit:    make(chan struct{}),
	}
	for i := range e.workers {
		ch := make(chan keyedTask)
		e.workers[i] = ch
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case task := <-ch:
					task.done <- task.fn(task.ctx)
				case <-e.quit:
					return
				}
			}
		}()
	}
	return e
}

// Do выполняет fn на воркере, закрепленном за key, и ждет результата.
// Блокирующее ожидание сохраняет семантику повторной доставки шины:
// ошибка fn возвращается обработчику сообщения. Do, заставший остановку,
// возвращает ошибку, не выполняя fn.
func (e *KeyedExecutor) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	task := keyedTask{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case e.workers[e.workerIndex(key)] <- task:
	case <-e.quit:
		return fmt.Errorf("keyed executor is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-task.done
}

// Stop останавливает исполнитель и дожидается завершения принятых задач.
// Каналы воркеров не закрываются: конкурентный Do во время остановки
// получает ошибку через quit-канал, а не панику отправки в закрытый канал.
func (e *KeyedExecutor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.quit)
	e.mu.Unlock()
	e.wg.Wait()
}

// workerIndex детерминированно отображает ключ на индекс воркера
func (e *KeyedExecutor) workerIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.workers)))
}

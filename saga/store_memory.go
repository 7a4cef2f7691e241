// Package saga предоставляет in-memory реализацию Store для тестов и
// локальной разработки.
package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore реализация Store в памяти. Один мьютекс покрывает состояние и
// outbox, поэтому фиксация "состояние + команды" атомарна по построению.
type MemoryStore struct {
	mu     sync.RWMutex
	sagas  map[string]*State
	outbox []*OutboxMessage
	byID   map[string]*OutboxMessage
}

// NewMemoryStore создает новое in-memory хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas: make(map[string]*State),
		byID:  make(map[string]*OutboxMessage),
	}
}

func (s *MemoryStore) Init(ctx context.Context, state *State, outbound []*OutboxMessage) (*State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sagas[state.SagaID]; ok {
		return existing.Clone(), false, nil
	}

	s.sagas[state.SagaID] = state.Clone()
	s.enqueueLocked(outbound)
	return state.Clone(), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, sagaID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.sagas[sagaID]
	if !ok {
		return nil, NewError(ErrNotFound, fmt.Sprintf("saga %s not found", sagaID))
	}
	return state.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, definition string) ([]*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*State
	for _, state := range s.sagas {
		if state.Definition == definition {
			result = append(result, state.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, state *State, outbound []*OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sagas[state.SagaID]; !ok {
		return NewError(ErrNotFound, fmt.Sprintf("saga %s not found", state.SagaID))
	}

	s.sagas[state.SagaID] = state.Clone()
	s.enqueueLocked(outbound)
	return nil
}

func (s *MemoryStore) UpdatePhase(ctx context.Context, sagaID string, phase int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sagas[sagaID]
	if !ok {
		return NewError(ErrNotFound, fmt.Sprintf("saga %s not found", sagaID))
	}
	state.CurrentPhase = phase
	state.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) PendingOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*OutboxMessage
	for _, msg := range s.outbox {
		if msg.DispatchedAt != nil {
			continue
		}
		copied := *msg
		result = append(result, &copied)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) MarkDispatched(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range ids {
		if msg, ok := s.byID[id]; ok && msg.DispatchedAt == nil {
			msg.DispatchedAt = &now
		}
	}
	return nil
}

// enqueueLocked добавляет записи в outbox; вызывается под s.mu
func (s *MemoryStore) enqueueLocked(outbound []*OutboxMessage) {
	for _, msg := range outbound {
		copied := *msg
		s.outbox = append(s.outbox, &copied)
		s.byID[copied.ID] = &copied
	}
}

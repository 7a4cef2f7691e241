// Package saga предоставляет определения саг и реестр определений.
package saga

import (
	"fmt"
	"sync"
)

// DefaultPhaseCount количество фаз саги по умолчанию
const DefaultPhaseCount = 4

// Phase описывает одну фазу: номер, канал команд и канал событий.
// Каналы партиционируются по sagaId, поэтому все сообщения одной саги
// строго упорядочены относительно друг друга.
type Phase struct {
	Number         int
	CommandSubject string
	EventSubject   string
}

// Definition определение саги: имя и таблица фаз. Одна параметризованная
// функция перехода обслуживает все фазы таблицы.
type Definition struct {
	Name   string
	Phases []Phase
}

// NewDefinition создает определение саги с фазами 1..phaseCount и
// каналами вида saga.<name>.phase.<n>.command / saga.<name>.phase.<n>.event
func NewDefinition(name string, phaseCount int) *Definition {
	phases := make([]Phase, 0, phaseCount)
	for n := 1; n <= phaseCount; n++ {
		phases = append(phases, Phase{
			Number:         n,
			CommandSubject: fmt.Sprintf("saga.%s.phase.%d.command", name, n),
			EventSubject:   fmt.Sprintf("saga.%s.phase.%d.event", name, n),
		})
	}
	return &Definition{Name: name, Phases: phases}
}

// Phase возвращает фазу по номеру
func (d *Definition) Phase(n int) (Phase, bool) {
	if n < 1 || n > len(d.Phases) {
		return Phase{}, false
	}
	return d.Phases[n-1], true
}

// LastPhase возвращает номер последней фазы
func (d *Definition) LastPhase() int {
	return len(d.Phases)
}

// Registry реестр определений саг. Явная keyed-структура вместо глобальной
// изменяемой map: инжектируется в Initiator и Reactor.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
}

// NewRegistry создает новый реестр определений
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*Definition),
	}
}

// Register регистрирует определение саги
func (r *Registry) Register(definition *Definition) error {
	if definition == nil || definition.Name == "" {
		return NewError(ErrValidationFailed, "definition name cannot be empty")
	}
	if len(definition.Phases) == 0 {
		return NewError(ErrValidationFailed, "definition must have at least one phase")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[definition.Name]; exists {
		return NewError(ErrAlreadyExists, fmt.Sprintf("definition %s already registered", definition.Name))
	}
	r.definitions[definition.Name] = definition
	return nil
}

// Get возвращает определение по имени
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definition, exists := r.definitions[name]
	if !exists {
		return nil, NewError(ErrNotFound, fmt.Sprintf("definition %s not registered", name))
	}
	return definition, nil
}

// Names возвращает имена всех зарегистрированных определений
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	return names
}

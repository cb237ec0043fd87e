package watermark

import (
	"context"
	"sync"
)

// MemoryStore keeps watermark state in process memory. Useful for tests and
// one-shot runs where persistence across invocations does not matter.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Get(ctx context.Context, pipelineName string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[pipelineName]
	if !ok {
		return nil, nil
	}
	copied := state
	return &copied, nil
}

func (s *MemoryStore) Commit(ctx context.Context, state *State, prior *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *State
	if current, ok := s.states[state.PipelineName]; ok {
		stored = &current
	}
	if !matches(stored, prior) {
		return conflict(state.PipelineName)
	}
	s.states[state.PipelineName] = *state
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, pipelineName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, pipelineName)
	return nil
}

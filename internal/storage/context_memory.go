package storage

import (
	"context"
	"sync"

	"github.com/antigravity/keygate/internal/models"
)

// MemoryContextStore keeps conversation history in process memory.
type MemoryContextStore struct {
	mu    sync.RWMutex
	turns map[string][]models.Turn
}

func NewMemoryContextStore() *MemoryContextStore {
	return &MemoryContextStore{turns: make(map[string][]models.Turn)}
}

var _ ContextStore = (*MemoryContextStore)(nil)

func (s *MemoryContextStore) Turns(ctx context.Context, principal string) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Turn(nil), s.turns[principal]...), nil
}

func (s *MemoryContextStore) Append(ctx context.Context, principal string, turn models.Turn, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.turns[principal], turn)
	if max > 0 && len(history) > max {
		// FIFO: drop the oldest turns
		history = append([]models.Turn(nil), history[len(history)-max:]...)
	}
	s.turns[principal] = history
	return nil
}

func (s *MemoryContextStore) Clear(ctx context.Context, principal string) error {
	s.mu.Lock()
	delete(s.turns, principal)
	s.mu.Unlock()
	return nil
}

func (s *MemoryContextStore) Close() error {
	return nil
}

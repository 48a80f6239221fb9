package conversation

import (
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps per-conversation histories in process memory. It is a
// stand-in for a persistence collaborator: the orchestrator only depends on
// *History, so a database-backed store can replace this without touching
// the pipeline.
type MemoryStore struct {
	mu        sync.RWMutex
	histories map[uuid.UUID]*History
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{histories: make(map[uuid.UUID]*History)}
}

// GetOrCreate returns the history for id, creating it on first use.
func (s *MemoryStore) GetOrCreate(id uuid.UUID) *History {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[id]
	if !ok {
		h = NewHistory()
		s.histories[id] = h
	}
	return h
}

// Get returns the history for id, or nil when the conversation is unknown.
func (s *MemoryStore) Get(id uuid.UUID) *History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.histories[id]
}

// Len returns the number of tracked conversations.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories)
}

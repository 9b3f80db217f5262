package docstore

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps document content in process memory. The default when no
// durable store is configured, and the implementation tests stub against.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string][]byte
	versions map[string]int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string][]byte),
		versions: make(map[string]int64),
	}
}

func (s *MemoryStore) Load(_ context.Context, documentID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, ok := s.docs[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

func (s *MemoryStore) ApplyPatch(_ context.Context, documentID string, patch json.RawMessage, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content := make([]byte, len(patch))
	copy(content, patch)
	s.docs[documentID] = content
	s.versions[documentID]++
	return nil
}

// Version reports how many patches a document has absorbed.
func (s *MemoryStore) Version(documentID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[documentID]
}

func (s *MemoryStore) Close() error {
	return nil
}

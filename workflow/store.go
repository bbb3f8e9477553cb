package workflow

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryCheckpointStore keeps checkpoints in process memory. Suitable
// for tests and single-process deployments; cross-process resume needs
// the Redis or SQL store.
type InMemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
	bySession   map[string]string // session ID -> latest checkpoint ID
}

// NewInMemoryCheckpointStore creates an empty in-memory store.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{
		checkpoints: make(map[string]*Checkpoint),
		bySession:   make(map[string]string),
	}
}

func (s *InMemoryCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("checkpoint must have an ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ID] = cp
	if cp.SessionID != "" {
		s.bySession[cp.SessionID] = cp.ID
	}
	return nil
}

func (s *InMemoryCheckpointStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint not found: %s", id)
	}
	return cp, nil
}

func (s *InMemoryCheckpointStore) LoadBySession(ctx context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySession[sessionID]
	if !ok {
		return nil, fmt.Errorf("no checkpoint for session: %s", sessionID)
	}
	return s.checkpoints[id], nil
}

func (s *InMemoryCheckpointStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil
	}
	delete(s.checkpoints, id)
	if cp.SessionID != "" && s.bySession[cp.SessionID] == id {
		delete(s.bySession, cp.SessionID)
	}
	return nil
}

var _ CheckpointStore = (*InMemoryCheckpointStore)(nil)

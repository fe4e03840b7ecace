package conversation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/convoke-ai/convoke/core"
)

// InMemoryStore is a volatile ConversationStore keeping conversations in a
// process-local map. It is safe for concurrent access. Persist/Reload
// snapshot through JSON into a second map, which gives tests the same exact
// round-trip semantics a durable store provides.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*core.Conversation
	snapshots     map[string][]byte
}

// NewInMemoryStore constructs an empty in-memory conversation store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*core.Conversation),
		snapshots:     make(map[string][]byte),
	}
}

// Create allocates a new conversation or fails with ErrAlreadyExists.
func (s *InMemoryStore) Create(id, title string) (*core.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; ok {
		return nil, fmt.Errorf("conversation %s: %w", id, core.ErrAlreadyExists)
	}
	conv := core.NewConversation(id, title)
	s.conversations[id] = conv
	return conv.Clone(), nil
}

// Get returns a deep copy of the conversation or ErrNotFound.
func (s *InMemoryStore) Get(id string) (*core.Conversation, error) {
	conv, err := s.live(id)
	if err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// Append adds a message to history and returns the new length.
func (s *InMemoryStore) Append(id string, m core.Message) (int, error) {
	conv, err := s.live(id)
	if err != nil {
		return 0, err
	}
	return conv.Append(m)
}

// UpdateAgentCursor advances an agent's read cursor monotonically.
func (s *InMemoryStore) UpdateAgentCursor(id, agent string, index int) error {
	conv, err := s.live(id)
	if err != nil {
		return err
	}
	conv.SetCursor(agent, index)
	return nil
}

// RecordTransition applies a phase transition atomically.
func (s *InMemoryStore) RecordTransition(id string, t core.PhaseTransition) error {
	conv, err := s.live(id)
	if err != nil {
		return err
	}
	conv.RecordTransition(t)
	return nil
}

// MergeMetadata applies a metadata delta.
func (s *InMemoryStore) MergeMetadata(id string, delta map[string]string) error {
	conv, err := s.live(id)
	if err != nil {
		return err
	}
	conv.MergeMetadata(delta)
	return nil
}

// RecordExecution accrues wall-clock compute time.
func (s *InMemoryStore) RecordExecution(id string, elapsed time.Duration) error {
	conv, err := s.live(id)
	if err != nil {
		return err
	}
	conv.AccrueExecution(elapsed)
	return nil
}

// Persist snapshots the conversation through JSON.
func (s *InMemoryStore) Persist(id string) error {
	conv, err := s.live(id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(conv.Clone())
	if err != nil {
		return core.NewPersistenceError("persist", err)
	}
	s.mu.Lock()
	s.snapshots[id] = data
	s.mu.Unlock()
	return nil
}

// Reload restores the conversation from its last successful Persist and
// returns the recovered copy.
func (s *InMemoryStore) Reload(id string) (*core.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("snapshot for conversation %s: %w", id, core.ErrNotFound)
	}
	var conv core.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, core.NewPersistenceError("reload", err)
	}
	s.conversations[id] = &conv
	return conv.Clone(), nil
}

// live returns the mutable stored conversation. Internal helper; external
// callers only ever see clones.
func (s *InMemoryStore) live(id string) (*core.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	return conv, nil
}
